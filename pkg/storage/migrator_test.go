package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubMigrator struct {
	engine  string
	version int64
	err     error
	ran     []MigrationConfig
}

func (s *stubMigrator) Engine() string {
	return s.engine
}

func (s *stubMigrator) Migrate(_ context.Context, cfg MigrationConfig) error {
	if s.err != nil {
		return s.err
	}
	s.ran = append(s.ran, cfg)
	return nil
}

func (s *stubMigrator) Version(context.Context, MigrationConfig) (int64, error) {
	return s.version, s.err
}

func TestMigrators(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		migrators := Migrators{}
		require.Empty(t, migrators.Engines())

		_, err := migrators.Lookup("sqlite")
		require.EqualError(t, err, "no migrator registered for engine 'sqlite'")
	})

	t.Run("register_and_lookup", func(t *testing.T) {
		migrators := Migrators{}
		migrators.Register(&stubMigrator{engine: "sqlite"})
		migrators.Register(&stubMigrator{engine: "postgres", version: 1})

		require.Equal(t, []string{"postgres", "sqlite"}, migrators.Engines())

		migrator, err := migrators.Lookup("postgres")
		require.NoError(t, err)
		version, err := migrator.Version(context.Background(), MigrationConfig{})
		require.NoError(t, err)
		require.Equal(t, int64(1), version)
	})

	t.Run("later_registration_wins", func(t *testing.T) {
		first := &stubMigrator{engine: "mysql"}
		second := &stubMigrator{engine: "mysql"}

		migrators := Migrators{}
		migrators.Register(first)
		migrators.Register(second)

		migrator, err := migrators.Lookup("mysql")
		require.NoError(t, err)
		require.NoError(t, migrator.Migrate(context.Background(), MigrationConfig{Engine: "mysql"}))
		require.Empty(t, first.ran)
		require.Len(t, second.ran, 1)
	})

	t.Run("migrator_errors_are_returned", func(t *testing.T) {
		migrators := Migrators{}
		migrators.Register(&stubMigrator{engine: "sqlite", err: context.DeadlineExceeded})

		migrator, err := migrators.Lookup("sqlite")
		require.NoError(t, err)
		require.ErrorIs(t, migrator.Migrate(context.Background(), MigrationConfig{}), context.DeadlineExceeded)
	})
}
