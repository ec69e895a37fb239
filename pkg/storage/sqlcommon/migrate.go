package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/assets"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
)

// OpenForMigration opens a connection with driver and waits up to timeout for the database to
// answer.
func OpenForMigration(ctx context.Context, driver, uri string, timeout time.Duration) (*sql.DB, error) {
	db, err := goose.OpenDBWithDriver(driver, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize %s connection: %w", driver, err)
	}

	return db, nil
}

func newProvider(db *sql.DB, dialect goose.Dialect, dir string, verbose bool) (*goose.Provider, error) {
	fsys, err := fs.Sub(assets.EmbedMigrations, dir)
	if err != nil {
		return nil, err
	}

	provider, err := goose.NewProvider(dialect, db, fsys, goose.WithVerbose(verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return provider, nil
}

// CurrentVersion returns the schema revision of db.
func CurrentVersion(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) (int64, error) {
	provider, err := newProvider(db, dialect, dir, false)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}

// Migrate moves the schema of db to cfg.TargetVersion, or to the latest revision when the target
// is 0.
func Migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, cfg storage.MigrationConfig) error {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	provider, err := newProvider(db, dialect, dir, cfg.Verbose)
	if err != nil {
		return err
	}

	currentVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", cfg.Engine, err)
	}
	log.Info("current schema version", zap.String("engine", cfg.Engine), zap.Int64("version", currentVersion))

	target := int64(cfg.TargetVersion)
	switch {
	case target == 0:
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", cfg.Engine, err)
		}
	case target < currentVersion:
		if _, err := provider.DownTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %d: %w", cfg.Engine, target, err)
		}
	case target > currentVersion:
		if _, err := provider.UpTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %d: %w", cfg.Engine, target, err)
		}
	default:
		log.Info("schema is up to date", zap.String("engine", cfg.Engine))
		return nil
	}

	log.Info("migration done", zap.String("engine", cfg.Engine))
	return nil
}
