// Package sqlcommon implements the study source and the database subset backend on top of
// database/sql. The dialect packages (postgres, mysql, sqlite) open the connection and supply
// their placeholder format and error handling.
package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/internal/build"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger

	// AppSchema qualifies the tables of curated studies, UserStudySchema those of user
	// submitted studies. Empty means unqualified.
	AppSchema       string
	UserStudySchema string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// InsertBatchSize bounds the number of rows per INSERT statement during imports.
	InsertBatchSize int

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithAppSchema sets the schema holding curated studies.
func WithAppSchema(schema string) DatastoreOption {
	return func(cfg *Config) {
		cfg.AppSchema = schema
	}
}

// WithUserStudySchema sets the schema holding user submitted studies.
func WithUserStudySchema(schema string) DatastoreOption {
	return func(cfg *Config) {
		cfg.UserStudySchema = schema
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

func WithInsertBatchSize(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.InsertBatchSize = n
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

const DefaultInsertBatchSize = 500

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = DefaultInsertBatchSize
	}

	return cfg
}

// ConfigureDB applies the pool limits of cfg, waits for the database to answer and registers
// the connection pool metrics when enabled.
func ConfigureDB(db *sql.DB, engine string, cfg *Config) (prometheus.Collector, error) {
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.String("engine", engine), zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// Dialect captures what differs between the supported engines.
type Dialect struct {
	Engine         string
	Placeholder    sq.PlaceholderFormat
	HandleSQLError func(err error, args ...interface{}) error
}

// Datastore reads study metadata and executes subset queries against the relational schema.
type Datastore struct {
	db               *sql.DB
	stbl             sq.StatementBuilderType
	dialect          Dialect
	logger           logger.Logger
	schemas          map[study.SourceType]string
	insertBatchSize  int
	dbStatsCollector prometheus.Collector
}

var (
	_ storage.StudySource  = (*Datastore)(nil)
	_ storage.SubsetReader = (*Datastore)(nil)
)

// NewDatastore wraps an open and configured connection.
func NewDatastore(db *sql.DB, dialect Dialect, cfg *Config, collector prometheus.Collector) *Datastore {
	return &Datastore{
		db:      db,
		stbl:    sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder).RunWith(db),
		dialect: dialect,
		logger:  cfg.Logger,
		schemas: map[study.SourceType]string{
			study.Curated:       cfg.AppSchema,
			study.UserSubmitted: cfg.UserStudySchema,
		},
		insertBatchSize:  cfg.InsertBatchSize,
		dbStatsCollector: collector,
	}
}

// DB returns the underlying connection pool.
func (d *Datastore) DB() *sql.DB {
	return d.db
}

// Close closes the datastore and cleans up any residual resources.
func (d *Datastore) Close() {
	if d.dbStatsCollector != nil {
		prometheus.Unregister(d.dbStatsCollector)
	}
	d.db.Close()
}

// IsReady reports whether the database answers and carries the required schema revision.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return IsReady(ctx, false, d.db)
}

// table qualifies a table name with the schema of the source type.
func (d *Datastore) table(sourceType study.SourceType, name string) string {
	if schema := d.schemas[sourceType]; schema != "" {
		return schema + "." + name
	}
	return name
}

// sourceTypes lists one source type per distinct schema, curated first.
func (d *Datastore) sourceTypes() []study.SourceType {
	if d.schemas[study.Curated] == d.schemas[study.UserSubmitted] {
		return []study.SourceType{study.Curated}
	}
	return []study.SourceType{study.Curated, study.UserSubmitted}
}

// ownsSourceType reports whether rows of sourceType are read from the schema of schemaOwner.
func (d *Datastore) ownsSourceType(schemaOwner, sourceType study.SourceType) bool {
	return d.schemas[schemaOwner] == d.schemas[sourceType]
}

func (d *Datastore) handleSQLError(err error, args ...interface{}) error {
	if d.dialect.HandleSQLError != nil {
		return d.dialect.HandleSQLError(err, args...)
	}
	return HandleSQLError(err, args...)
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		if len(args) > 0 {
			if id, ok := args[0].(string); ok {
				return storage.StudyNotFoundError(id)
			}
		}
		return storage.ErrNotFound
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if strings.Contains(err.Error(), "duplicate key value") || strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return collision(args...)
	}

	return fmt.Errorf("sql error: %w", err)
}

// CollisionError is the error returned for writes of a study that already exists.
func CollisionError(args ...interface{}) error {
	return collision(args...)
}

func collision(args ...interface{}) error {
	if len(args) > 0 {
		if id, ok := args[0].(string); ok {
			return fmt.Errorf("%w: study %s already exists", storage.ErrCollision, id)
		}
	}
	return storage.ErrCollision
}

// IsReady reports whether we can connect to the database and whether its schema revision is
// recent enough.
func IsReady(ctx context.Context, skipVersionCheck bool, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	if skipVersionCheck {
		return storage.ReadinessStatus{
			IsReady: true,
		}, nil
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run '" + build.ProjectName + " migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
