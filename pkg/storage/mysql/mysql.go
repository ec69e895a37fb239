// Package mysql opens the relational study datastore on MySQL.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/pressly/goose/v3"

	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const engine = "mysql"

// duplicateEntry is the MySQL error number of a duplicate key.
const duplicateEntry = 1062

// prepareDSN overrides the credentials of dsn with the non-empty ones.
func prepareDSN(dsn, username, password string) (string, error) {
	if username == "" && password == "" {
		return dsn, nil
	}

	dsnCfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("failed to parse mysql connection dsn: %w", err)
	}

	if username != "" {
		dsnCfg.User = username
	}
	if password != "" {
		dsnCfg.Passwd = password
	}

	return dsnCfg.FormatDSN(), nil
}

// New opens the MySQL database at uri.
func New(uri string, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	uri, err := prepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(engine, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mysql connection: %w", err)
	}

	if err := goose.SetDialect(engine); err != nil {
		return nil, err
	}

	collector, err := sqlcommon.ConfigureDB(db, engine, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configure db: %w", err)
	}

	return sqlcommon.NewDatastore(db, sqlcommon.Dialect{
		Engine:         engine,
		Placeholder:    sq.Question,
		HandleSQLError: HandleSQLError,
	}, cfg, collector), nil
}

// HandleSQLError maps duplicate entries to collisions and defers everything else to
// [sqlcommon.HandleSQLError].
func HandleSQLError(err error, args ...interface{}) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == duplicateEntry {
		return sqlcommon.CollisionError(args...)
	}

	return sqlcommon.HandleSQLError(err, args...)
}
