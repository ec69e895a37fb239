// Package config contains all knobs and defaults used to configure features of
// the subsetting service.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/metadatacache"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
)

const (
	DefaultMaxOpenConns     = 30
	DefaultMaxIdleConns     = 10
	DefaultConnMaxIdleTime  = 0 * time.Second
	DefaultConnMaxLifetime  = 0 * time.Second
	DefaultHTTPAddr         = "0.0.0.0:8080"
	DefaultMetricsAddr      = "0.0.0.0:2112"
	DefaultProfilerAddr     = ":3001"
	DefaultRequestTimeout   = 0 * time.Second
	DefaultDBBuildToken     = "%DB_BUILD%"
	DefaultTraceServiceName = "edasubset"
)

// DatastoreMetricsConfig defines configuration for the datastore connection pool metrics.
type DatastoreMetricsConfig struct {
	// Enabled enables export of the Datastore metrics.
	Enabled bool
}

// DatastoreConfig defines the relational database the studies are read from.
type DatastoreConfig struct {
	// Engine is the datastore engine to use (e.g. 'postgres', 'mysql', 'sqlite')
	Engine   string
	URI      string `json:"-"` // private field, won't be logged
	Username string
	Password string `json:"-"` // private field, won't be logged

	// MaxOpenConns is the maximum number of open connections to the database.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections to the datastore in the idle connection
	// pool.
	MaxIdleConns int

	// ConnMaxIdleTime is the maximum amount of time a connection to the datastore may be idle.
	ConnMaxIdleTime time.Duration

	// ConnMaxLifetime is the maximum amount of time a connection to the datastore may be reused.
	ConnMaxLifetime time.Duration

	// Metrics is configuration for the Datastore metrics.
	Metrics DatastoreMetricsConfig
}

// SubsettingConfig selects the backends and the schemas the subsetting engine reads from.
type SubsettingConfig struct {
	// FileSubsettingEnabled lets requests run on binary artifacts when they are complete.
	FileSubsettingEnabled bool

	// BinaryFilesMount and BinaryFilesDir locate the binary artifacts. Every %DB_BUILD% in
	// BinaryFilesDir is replaced with DBBuild.
	BinaryFilesMount string
	BinaryFilesDir   string
	DBBuild          string

	// AppDBSchema qualifies the tables of curated studies, UserStudySchema those of user
	// submitted studies.
	AppDBSchema     string
	UserStudySchema string

	// FileReadPoolSize and DecodePoolSize bound the process-wide pools of the file backend.
	FileReadPoolSize int
	DecodePoolSize   int
}

// BinaryFilesPath is the root directory of the binary artifacts, or "" if none is configured.
func (s SubsettingConfig) BinaryFilesPath() string {
	if s.BinaryFilesMount == "" && s.BinaryFilesDir == "" {
		return ""
	}
	return filepath.Join(s.BinaryFilesMount, strings.ReplaceAll(s.BinaryFilesDir, DefaultDBBuildToken, s.DBBuild))
}

// CacheConfig defines the study metadata cache.
type CacheConfig struct {
	// RefreshInterval is the period of the invalidation cycle.
	RefreshInterval time.Duration
}

// HTTPConfig defines HTTP server configurations.
type HTTPConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// LogConfig defines service logging configuration.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines configurations for serving custom metrics from the service.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

// ProfilerConfig defines server configurations specific to pprof profiling.
type ProfilerConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	// RequestTimeout bounds the non-streaming requests. 0 means no timeout.
	RequestTimeout time.Duration

	Datastore  DatastoreConfig
	Subsetting SubsettingConfig
	Cache      CacheConfig
	HTTP       HTTPConfig
	Log        LogConfig
	Trace      TraceConfig
	Metrics    MetricConfig
	Profiler   ProfilerConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level == "unknown" {
		return errors.New("config 'log.level' cannot be 'unknown'")
	}

	if cfg.Datastore.Engine == "" {
		return errors.New("config 'datastore.engine' must be set")
	}

	if cfg.Datastore.Engine != "postgres" && cfg.Datastore.Engine != "mysql" && cfg.Datastore.Engine != "sqlite" {
		return fmt.Errorf("config 'datastore.engine' must be one of ['postgres', 'mysql', 'sqlite'], got '%s'", cfg.Datastore.Engine)
	}

	if cfg.Datastore.MaxOpenConns < cfg.Datastore.MaxIdleConns {
		return fmt.Errorf("config 'datastore.maxOpenConns' (%d) cannot be lower than 'datastore.maxIdleConns' config (%d)", cfg.Datastore.MaxOpenConns, cfg.Datastore.MaxIdleConns)
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.Subsetting.FileSubsettingEnabled && cfg.Subsetting.BinaryFilesPath() == "" {
		return errors.New("config 'subsetting.binaryFilesDir' must be set when file subsetting is enabled")
	}

	if cfg.Subsetting.FileReadPoolSize <= 0 {
		return errors.New("config 'subsetting.fileReadPoolSize' must be greater than 0")
	}

	if cfg.Subsetting.DecodePoolSize <= 0 {
		return errors.New("config 'subsetting.decodePoolSize' must be greater than 0")
	}

	if cfg.Cache.RefreshInterval <= 0 {
		return errors.New("config 'cache.refreshInterval' must be greater than 0")
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be within [0, 1]")
	}

	if cfg.RequestTimeout < 0 {
		return errors.New("requestTimeout must be a non-negative time duration")
	}

	return nil
}

// DefaultConfig returns the service configuration before any flag, environment variable or
// config file is applied.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: DefaultRequestTimeout,
		Datastore: DatastoreConfig{
			Engine:          "postgres",
			MaxOpenConns:    DefaultMaxOpenConns,
			MaxIdleConns:    DefaultMaxIdleConns,
			ConnMaxIdleTime: DefaultConnMaxIdleTime,
			ConnMaxLifetime: DefaultConnMaxLifetime,
		},
		Subsetting: SubsettingConfig{
			FileSubsettingEnabled: false,
			FileReadPoolSize:      binaryfiles.DefaultReadPoolSize,
			DecodePoolSize:        binaryfiles.DefaultDecodePoolSize,
		},
		Cache: CacheConfig{
			RefreshInterval: metadatacache.DefaultRefreshInterval,
		},
		HTTP: HTTPConfig{
			Enabled:            true,
			Addr:               DefaultHTTPAddr,
			TLS:                &TLSConfig{Enabled: false},
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
				TLS: OTLPTraceTLSConfig{
					Enabled: false,
				},
			},
			SampleRatio: 0.2,
			ServiceName: DefaultTraceServiceName,
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Profiler: ProfilerConfig{
			Enabled: false,
			Addr:    DefaultProfilerAddr,
		},
	}
}

// DatastoreOptions translates the datastore and schema settings into sqlcommon options.
func (cfg *Config) DatastoreOptions() []sqlcommon.DatastoreOption {
	opts := []sqlcommon.DatastoreOption{
		sqlcommon.WithUsername(cfg.Datastore.Username),
		sqlcommon.WithPassword(cfg.Datastore.Password),
		sqlcommon.WithAppSchema(cfg.Subsetting.AppDBSchema),
		sqlcommon.WithUserStudySchema(cfg.Subsetting.UserStudySchema),
		sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(cfg.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(cfg.Datastore.ConnMaxLifetime),
	}
	if cfg.Datastore.Metrics.Enabled {
		opts = append(opts, sqlcommon.WithMetrics())
	}
	return opts
}
