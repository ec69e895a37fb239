package storage

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/veupathdb/edasubset/assets"
)

const mySQLImage = "mysql:8"

type mySQLTestContainer struct {
	addr    string
	creds   string
	version int64
}

// NewMySQLTestContainer returns an implementation of the DatastoreTestContainer interface
// for MySQL.
func NewMySQLTestContainer() *mySQLTestContainer {
	return &mySQLTestContainer{}
}

// RunMySQLTestContainer runs a MySQL container and migrates it to the latest schema.
func (m *mySQLTestContainer) RunMySQLTestContainer(t testing.TB) DatastoreTestContainer {
	m.addr = runContainer(t, containerSpec{
		image: mySQLImage,
		env:   []string{"MYSQL_DATABASE=defaultdb", "MYSQL_ROOT_PASSWORD=secret"},
		port:  "3306/tcp",
	})
	m.creds = "root:secret"

	err := mysql.SetLogger(log.New(io.Discard, "", 0))
	require.NoError(t, err)

	m.version = migrateTestDatabase(t, "mysql", m.GetConnectionURI(true), goose.DialectMySQL, assets.MySQLMigrationDir)
	return m
}

func (m *mySQLTestContainer) GetDatabaseSchemaVersion() int64 {
	return m.version
}

// GetConnectionURI returns the mysql connection uri for the running mysql test container.
func (m *mySQLTestContainer) GetConnectionURI(includeCredentials bool) string {
	creds := ""
	if includeCredentials {
		creds = m.creds + "@"
	}
	return fmt.Sprintf("%stcp(%s)/defaultdb?multiStatements=true", creds, m.addr)
}

func (m *mySQLTestContainer) GetUsername() string {
	return "root"
}

func (m *mySQLTestContainer) GetPassword() string {
	return "secret"
}
