package mysql

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"

	"github.com/veupathdb/edasubset/assets"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

// Migrator applies the embedded MySQL migrations.
type Migrator struct{}

var _ storage.Migrator = (*Migrator)(nil)

func NewMigrator() *Migrator {
	return &Migrator{}
}

func (*Migrator) Engine() string {
	return engine
}

func (*Migrator) open(ctx context.Context, cfg storage.MigrationConfig) (*sql.DB, error) {
	dsn, err := prepareDSN(cfg.URI, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	return sqlcommon.OpenForMigration(ctx, engine, dsn, cfg.Timeout)
}

func (m *Migrator) Migrate(ctx context.Context, cfg storage.MigrationConfig) error {
	db, err := m.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return sqlcommon.Migrate(ctx, db, goose.DialectMySQL, assets.MySQLMigrationDir, cfg)
}

func (m *Migrator) Version(ctx context.Context, cfg storage.MigrationConfig) (int64, error) {
	db, err := m.open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	return sqlcommon.CurrentVersion(ctx, db, goose.DialectMySQL, assets.MySQLMigrationDir)
}
