// Package migrate runs the schema migrations of the relational study databases.
package migrate

import (
	"context"

	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/storage/mysql"
	"github.com/veupathdb/edasubset/pkg/storage/postgres"
	"github.com/veupathdb/edasubset/pkg/storage/sqlite"
)

type MigrationConfig = storage.MigrationConfig

// Engines returns the migrators of every supported datastore engine.
func Engines() storage.Migrators {
	migrators := storage.Migrators{}
	migrators.Register(postgres.NewMigrator())
	migrators.Register(mysql.NewMigrator())
	migrators.Register(sqlite.NewMigrator())
	return migrators
}

// RunMigrations upgrades the database of cfg to the latest schema, or moves it to
// cfg.TargetVersion when set.
func RunMigrations(ctx context.Context, cfg MigrationConfig) error {
	migrator, err := Engines().Lookup(cfg.Engine)
	if err != nil {
		return err
	}
	return migrator.Migrate(ctx, cfg)
}

// CurrentVersion returns the schema version of the database of cfg.
func CurrentVersion(ctx context.Context, cfg MigrationConfig) (int64, error) {
	migrator, err := Engines().Lookup(cfg.Engine)
	if err != nil {
		return 0, err
	}
	return migrator.Version(ctx, cfg)
}
