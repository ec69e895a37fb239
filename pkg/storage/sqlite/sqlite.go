// Package sqlite opens the relational study datastore on an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const engine = "sqlite"

// PrepareDSN adds defaults for the journal mode, the busy timeout and the transaction mode to a
// raw DSN unless they are set.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New opens the SQLite database at uri.
func New(uri string, cfg *sqlcommon.Config) (*sqlcommon.Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(engine, uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
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

// HandleSQLError maps constraint violations to collisions and defers everything else to
// [sqlcommon.HandleSQLError].
func HandleSQLError(err error, args ...interface{}) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
		return sqlcommon.CollisionError(args...)
	}

	return sqlcommon.HandleSQLError(err, args...)
}
