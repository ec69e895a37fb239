package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/assets"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const postgresImage = "postgres:17"

type postgresTestContainer struct {
	addr     string
	version  int64
	username string
	password string
}

// NewPostgresTestContainer returns an implementation of the DatastoreTestContainer interface
// for Postgres.
func NewPostgresTestContainer() *postgresTestContainer {
	return &postgresTestContainer{}
}

// RunPostgresTestContainer runs a Postgres container and migrates it to the latest schema.
func (p *postgresTestContainer) RunPostgresTestContainer(t testing.TB) DatastoreTestContainer {
	p.addr = runContainer(t, containerSpec{
		image: postgresImage,
		env:   []string{"POSTGRES_DB=defaultdb", "POSTGRES_PASSWORD=secret"},
		port:  "5432/tcp",
	})
	p.username, p.password = "postgres", "secret"

	p.version = migrateTestDatabase(t, "pgx", p.GetConnectionURI(true), goose.DialectPostgres, assets.PostgresMigrationDir)
	return p
}

func (p *postgresTestContainer) GetDatabaseSchemaVersion() int64 {
	return p.version
}

// GetConnectionURI returns the postgres connection uri for the running postgres test container.
func (p *postgresTestContainer) GetConnectionURI(includeCredentials bool) string {
	creds := ""
	if includeCredentials {
		creds = fmt.Sprintf("%s:%s@", p.username, p.password)
	}

	return fmt.Sprintf("postgres://%s%s/defaultdb?sslmode=disable", creds, p.addr)
}

func (p *postgresTestContainer) GetUsername() string {
	return p.username
}

func (p *postgresTestContainer) GetPassword() string {
	return p.password
}

// migrateTestDatabase applies every migration of dir and returns the resulting schema version.
func migrateTestDatabase(t testing.TB, driver, uri string, dialect goose.Dialect, dir string) int64 {
	ctx := context.Background()

	db, err := sqlcommon.OpenForMigration(ctx, driver, uri, time.Minute)
	require.NoError(t, err)
	defer db.Close()

	err = sqlcommon.Migrate(ctx, db, dialect, dir, storage.MigrationConfig{Engine: driver})
	require.NoError(t, err)

	version, err := sqlcommon.CurrentVersion(ctx, db, dialect, dir)
	require.NoError(t, err)
	return version
}
