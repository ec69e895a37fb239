// Package postgres opens the relational study datastore on PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"github.com/pressly/goose/v3"

	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const engine = "postgres"

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// withCredentials overrides the user and password of uri with the non-empty ones.
func withCredentials(uri, username, password string) (string, error) {
	if username == "" && password == "" {
		return uri, nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse postgres connection uri: %w", err)
	}

	if username == "" && parsed.User != nil {
		username = parsed.User.Username()
	}

	switch {
	case password != "":
		parsed.User = url.UserPassword(username, password)
	case parsed.User != nil:
		if current, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(username, current)
		} else {
			parsed.User = url.User(username)
		}
	default:
		parsed.User = url.User(username)
	}

	return parsed.String(), nil
}

// New opens the PostgreSQL database at uri.
func New(uri string, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	uri, err := withCredentials(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	return NewWithDB(db, cfg)
}

// NewWithDB wraps an open PostgreSQL connection pool.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	if err := goose.SetDialect(engine); err != nil {
		return nil, err
	}

	collector, err := sqlcommon.ConfigureDB(db, engine, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}

	return sqlcommon.NewDatastore(db, sqlcommon.Dialect{
		Engine:         engine,
		Placeholder:    sq.Dollar,
		HandleSQLError: HandleSQLError,
	}, cfg, collector), nil
}

// HandleSQLError maps unique violations to collisions and defers everything else to
// [sqlcommon.HandleSQLError].
func HandleSQLError(err error, args ...interface{}) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return sqlcommon.CollisionError(args...)
	}

	return sqlcommon.HandleSQLError(err, args...)
}
