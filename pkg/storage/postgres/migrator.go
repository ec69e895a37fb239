package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/pressly/goose/v3"

	"github.com/veupathdb/edasubset/assets"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

// Migrator applies the embedded PostgreSQL migrations.
type Migrator struct{}

var _ storage.Migrator = (*Migrator)(nil)

func NewMigrator() *Migrator {
	return &Migrator{}
}

func (*Migrator) Engine() string {
	return engine
}

func (*Migrator) open(ctx context.Context, cfg storage.MigrationConfig) (*sql.DB, error) {
	if _, err := url.Parse(cfg.URI); err != nil {
		return nil, fmt.Errorf("invalid postgres database uri: %v", err)
	}
	uri, err := withCredentials(cfg.URI, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sqlcommon.OpenForMigration(ctx, "pgx", uri, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres connection: %w", err)
	}
	return db, nil
}

func (m *Migrator) Migrate(ctx context.Context, cfg storage.MigrationConfig) error {
	db, err := m.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return sqlcommon.Migrate(ctx, db, goose.DialectPostgres, assets.PostgresMigrationDir, cfg)
}

func (m *Migrator) Version(ctx context.Context, cfg storage.MigrationConfig) (int64, error) {
	db, err := m.open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return sqlcommon.CurrentVersion(ctx, db, goose.DialectPostgres, assets.PostgresMigrationDir)
}
