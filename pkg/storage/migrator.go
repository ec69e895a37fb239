package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/veupathdb/edasubset/pkg/logger"
)

// Migrator moves the schema of one database engine between versions.
type Migrator interface {
	Engine() string

	// Migrate upgrades the database to the latest version, or to cfg.TargetVersion when set.
	Migrate(ctx context.Context, cfg MigrationConfig) error

	// Version returns the schema version the database is at.
	Version(ctx context.Context, cfg MigrationConfig) (int64, error)
}

// MigrationConfig locates the database to migrate.
type MigrationConfig struct {
	Engine        string
	URI           string
	Username      string
	Password      string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Logger        logger.Logger
}

// Migrators maps an engine name to its Migrator. A later Register for the same engine replaces
// the earlier one.
type Migrators map[string]Migrator

func (m Migrators) Register(migrator Migrator) {
	m[migrator.Engine()] = migrator
}

func (m Migrators) Lookup(engine string) (Migrator, error) {
	migrator, ok := m[engine]
	if !ok {
		return nil, fmt.Errorf("no migrator registered for engine '%s'", engine)
	}
	return migrator, nil
}

// Engines returns the registered engine names in sorted order.
func (m Migrators) Engines() []string {
	return slices.Sorted(maps.Keys(m))
}
