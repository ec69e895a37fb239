package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/veupathdb/edasubset/assets"
)

type sqliteTestContainer struct {
	path    string
	version int64
}

// NewSqliteTestContainer returns an implementation of the DatastoreTestContainer interface
// for SQLite.
func NewSqliteTestContainer() *sqliteTestContainer {
	return &sqliteTestContainer{}
}

// RunSqliteTestDatabase creates a migrated sqlite database file under the test's temp dir.
func (m *sqliteTestContainer) RunSqliteTestDatabase(t testing.TB) DatastoreTestContainer {
	m.path = filepath.Join(t.TempDir(), "database.db")
	m.version = migrateTestDatabase(t, "sqlite", m.GetConnectionURI(true), goose.DialectSQLite3, assets.SqliteMigrationDir)
	return m
}

func (m *sqliteTestContainer) GetDatabaseSchemaVersion() int64 {
	return m.version
}

// GetConnectionURI returns the sqlite connection uri of the test database.
func (m *sqliteTestContainer) GetConnectionURI(bool) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(1000)", m.path)
}

func (m *sqliteTestContainer) GetUsername() string {
	return ""
}

func (m *sqliteTestContainer) GetPassword() string {
	return ""
}
