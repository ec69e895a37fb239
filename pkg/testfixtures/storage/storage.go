package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/pkg/storage/mysql"
	"github.com/veupathdb/edasubset/pkg/storage/postgres"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
	"github.com/veupathdb/edasubset/pkg/storage/sqlite"
	"github.com/veupathdb/edasubset/pkg/testfixtures/studies"
)

// DatastoreTestContainer represents a runnable database for testing a specific engine.
type DatastoreTestContainer interface {
	// GetConnectionURI returns a connection string to the running database.
	GetConnectionURI(includeCredentials bool) string

	// GetDatabaseSchemaVersion returns the last migration applied when the database was created.
	GetDatabaseSchemaVersion() int64

	GetUsername() string
	GetPassword() string
}

// RunDatastoreTestContainer constructs and runs a migrated database for the provided engine.
// The resources used by the database are cleaned up after the test has finished.
func RunDatastoreTestContainer(t testing.TB, engine string) DatastoreTestContainer {
	switch engine {
	case "mysql":
		return NewMySQLTestContainer().RunMySQLTestContainer(t)
	case "postgres":
		return NewPostgresTestContainer().RunPostgresTestContainer(t)
	case "sqlite":
		return NewSqliteTestContainer().RunSqliteTestDatabase(t)
	default:
		t.Fatalf("'%s' engine is not supported by RunDatastoreTestContainer", engine)
		return nil
	}
}

// MustBootstrapDatastore opens a datastore of the given engine and imports the household study.
func MustBootstrapDatastore(t testing.TB, engine string) *sqlcommon.Datastore {
	testDatastore := RunDatastoreTestContainer(t, engine)

	uri := testDatastore.GetConnectionURI(true)
	cfg := sqlcommon.NewConfig()

	var (
		ds  *sqlcommon.Datastore
		err error
	)
	switch engine {
	case "postgres":
		ds, err = postgres.New(uri, cfg)
	case "mysql":
		ds, err = mysql.New(uri, cfg)
	case "sqlite":
		ds, err = sqlite.New(uri, cfg)
	default:
		t.Fatalf("'%s' is not a supported datastore engine", engine)
	}
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	doc := studies.HouseholdDocument(t)
	s, err := doc.Study()
	require.NoError(t, err)
	require.NoError(t, ds.WriteStudy(context.Background(), s, doc.Records))

	return ds
}
