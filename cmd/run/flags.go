package run

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/veupathdb/edasubset/cmd/util"
)

// bindRunFlagsFunc binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
// Environment names of the deployed service are kept as aliases of the subsetting settings.
func bindRunFlagsFunc(flags *pflag.FlagSet) func(*cobra.Command, []string) {
	return func(command *cobra.Command, args []string) {
		util.MustBindPFlag("http.enabled", flags.Lookup("http-enabled"))
		util.MustBindEnv("http.enabled", "EDASUBSET_HTTP_ENABLED")

		util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
		util.MustBindEnv("http.addr", "EDASUBSET_HTTP_ADDR")

		util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
		util.MustBindEnv("http.tls.enabled", "EDASUBSET_HTTP_TLS_ENABLED")

		util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
		util.MustBindEnv("http.tls.cert", "EDASUBSET_HTTP_TLS_CERT")

		util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
		util.MustBindEnv("http.tls.key", "EDASUBSET_HTTP_TLS_KEY")

		util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
		util.MustBindEnv("http.corsAllowedOrigins", "EDASUBSET_HTTP_CORS_ALLOWED_ORIGINS")

		util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
		util.MustBindEnv("http.corsAllowedHeaders", "EDASUBSET_HTTP_CORS_ALLOWED_HEADERS")

		util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
		util.MustBindEnv("datastore.engine", "EDASUBSET_DATASTORE_ENGINE")

		util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
		util.MustBindEnv("datastore.uri", "EDASUBSET_DATASTORE_URI")

		util.MustBindPFlag("datastore.username", flags.Lookup("datastore-username"))
		util.MustBindEnv("datastore.username", "EDASUBSET_DATASTORE_USERNAME")

		util.MustBindPFlag("datastore.password", flags.Lookup("datastore-password"))
		util.MustBindEnv("datastore.password", "EDASUBSET_DATASTORE_PASSWORD")

		util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
		util.MustBindEnv("datastore.maxOpenConns", "EDASUBSET_DATASTORE_MAX_OPEN_CONNS")

		util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
		util.MustBindEnv("datastore.maxIdleConns", "EDASUBSET_DATASTORE_MAX_IDLE_CONNS")

		util.MustBindPFlag("datastore.connMaxIdleTime", flags.Lookup("datastore-conn-max-idle-time"))
		util.MustBindEnv("datastore.connMaxIdleTime", "EDASUBSET_DATASTORE_CONN_MAX_IDLE_TIME")

		util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
		util.MustBindEnv("datastore.connMaxLifetime", "EDASUBSET_DATASTORE_CONN_MAX_LIFETIME")

		util.MustBindPFlag("datastore.metrics.enabled", flags.Lookup("datastore-metrics-enabled"))
		util.MustBindEnv("datastore.metrics.enabled", "EDASUBSET_DATASTORE_METRICS_ENABLED")

		util.MustBindPFlag("subsetting.fileSubsettingEnabled", flags.Lookup("file-subsetting-enabled"))
		util.MustBindEnv("subsetting.fileSubsettingEnabled", "EDASUBSET_FILE_SUBSETTING_ENABLED", "FILE_SUBSETTING_ENABLED")

		util.MustBindPFlag("subsetting.binaryFilesMount", flags.Lookup("binary-files-mount"))
		util.MustBindEnv("subsetting.binaryFilesMount", "EDASUBSET_BINARY_FILES_MOUNT", "BINARY_FILES_MOUNT")

		util.MustBindPFlag("subsetting.binaryFilesDir", flags.Lookup("binary-files-dir"))
		util.MustBindEnv("subsetting.binaryFilesDir", "EDASUBSET_BINARY_FILES_DIR", "BINARY_FILES_DIR")

		util.MustBindPFlag("subsetting.dbBuild", flags.Lookup("db-build"))
		util.MustBindEnv("subsetting.dbBuild", "EDASUBSET_DB_BUILD", "DB_BUILD")

		util.MustBindPFlag("subsetting.appDBSchema", flags.Lookup("app-db-schema"))
		util.MustBindEnv("subsetting.appDBSchema", "EDASUBSET_APP_DB_SCHEMA", "APP_DB_SCHEMA")

		util.MustBindPFlag("subsetting.userStudySchema", flags.Lookup("user-study-schema"))
		util.MustBindEnv("subsetting.userStudySchema", "EDASUBSET_USER_STUDY_SCHEMA", "USER_STUDY_SCHEMA")

		util.MustBindPFlag("subsetting.fileReadPoolSize", flags.Lookup("file-read-pool-size"))
		util.MustBindEnv("subsetting.fileReadPoolSize", "EDASUBSET_FILE_READ_POOL_SIZE")

		util.MustBindPFlag("subsetting.decodePoolSize", flags.Lookup("decode-pool-size"))
		util.MustBindEnv("subsetting.decodePoolSize", "EDASUBSET_DECODE_POOL_SIZE")

		util.MustBindPFlag("cache.refreshInterval", flags.Lookup("cache-refresh-interval"))
		util.MustBindEnv("cache.refreshInterval", "EDASUBSET_CACHE_REFRESH_INTERVAL")

		util.MustBindPFlag("profiler.enabled", flags.Lookup("profiler-enabled"))
		util.MustBindEnv("profiler.enabled", "EDASUBSET_PROFILER_ENABLED")

		util.MustBindPFlag("profiler.addr", flags.Lookup("profiler-addr"))
		util.MustBindEnv("profiler.addr", "EDASUBSET_PROFILER_ADDRESS")

		util.MustBindPFlag("log.format", flags.Lookup("log-format"))
		util.MustBindEnv("log.format", "EDASUBSET_LOG_FORMAT")

		util.MustBindPFlag("log.level", flags.Lookup("log-level"))
		util.MustBindEnv("log.level", "EDASUBSET_LOG_LEVEL")

		util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
		util.MustBindEnv("trace.enabled", "EDASUBSET_TRACE_ENABLED")

		util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
		util.MustBindEnv("trace.otlp.endpoint", "EDASUBSET_TRACE_OTLP_ENDPOINT")

		util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
		util.MustBindEnv("trace.otlp.tls.enabled", "EDASUBSET_TRACE_OTLP_TLS_ENABLED")

		util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
		util.MustBindEnv("trace.sampleRatio", "EDASUBSET_TRACE_SAMPLE_RATIO")

		util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
		util.MustBindEnv("trace.serviceName", "EDASUBSET_TRACE_SERVICE_NAME")

		util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
		util.MustBindEnv("metrics.enabled", "EDASUBSET_METRICS_ENABLED")

		util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
		util.MustBindEnv("metrics.addr", "EDASUBSET_METRICS_ADDR")

		util.MustBindPFlag("requestTimeout", flags.Lookup("request-timeout"))
		util.MustBindEnv("requestTimeout", "EDASUBSET_REQUEST_TIMEOUT")
	}
}
