// Package run contains the command to run the subsetting server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/veupathdb/edasubset/cmd/util"
	"github.com/veupathdb/edasubset/internal/build"
	"github.com/veupathdb/edasubset/pkg/binaryfiles"
	"github.com/veupathdb/edasubset/pkg/logger"
	"github.com/veupathdb/edasubset/pkg/metadatacache"
	"github.com/veupathdb/edasubset/pkg/middleware/logging"
	"github.com/veupathdb/edasubset/pkg/middleware/recovery"
	"github.com/veupathdb/edasubset/pkg/middleware/requestid"
	"github.com/veupathdb/edasubset/pkg/server"
	serverconfig "github.com/veupathdb/edasubset/pkg/server/config"
	"github.com/veupathdb/edasubset/pkg/storage/sqlcommon"
	"github.com/veupathdb/edasubset/pkg/subsetting"
	"github.com/veupathdb/edasubset/pkg/telemetry"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the subsetting server",
		Long:  "Run the subsetting server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the HTTP server")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")

	cmd.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine the studies are read from")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore")

	flags.String("datastore-username", "", "the connection username to use to connect to the datastore (overwrites any username provided in the connection uri)")

	flags.String("datastore-password", "", "the connection password to use to connect to the datastore (overwrites any password provided in the connection uri)")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")

	flags.Duration("datastore-conn-max-idle-time", defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")

	flags.Bool("datastore-metrics-enabled", defaultConfig.Datastore.Metrics.Enabled, "enable/disable sql metrics")

	flags.Bool("file-subsetting-enabled", defaultConfig.Subsetting.FileSubsettingEnabled, "serve requests from binary artifacts when every artifact they need exists")

	flags.String("binary-files-mount", defaultConfig.Subsetting.BinaryFilesMount, "the mount point of the binary artifacts")

	flags.String("binary-files-dir", defaultConfig.Subsetting.BinaryFilesDir, "the directory of the binary artifacts below the mount point. %DB_BUILD% is replaced with the db build")

	flags.String("db-build", defaultConfig.Subsetting.DBBuild, "the database build the binary artifacts were produced from")

	flags.String("app-db-schema", defaultConfig.Subsetting.AppDBSchema, "the schema of the tables of curated studies")

	flags.String("user-study-schema", defaultConfig.Subsetting.UserStudySchema, "the schema of the tables of user submitted studies")

	flags.Int("file-read-pool-size", defaultConfig.Subsetting.FileReadPoolSize, "the number of binary files that may be read concurrently")

	flags.Int("decode-pool-size", defaultConfig.Subsetting.DecodePoolSize, "the number of binary file blocks that may be decoded concurrently")

	flags.Duration("cache-refresh-interval", defaultConfig.Cache.RefreshInterval, "how often the metadata cache checks for studies that changed")

	flags.Bool("profiler-enabled", defaultConfig.Profiler.Enabled, "enable/disable pprof profiling")

	flags.String("profiler-addr", defaultConfig.Profiler.Addr, "the host:port address to serve the pprof profiler server on")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")

	flags.Duration("request-timeout", defaultConfig.RequestTimeout, "configures the timeout of metadata, count and distribution requests. Tabular downloads are not bounded.")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

// ReadConfig returns the server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/edasubset', '$HOME/.edasubset', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(_ *cobra.Command, _ []string) {
	config, err := ReadConfig()
	if err != nil {
		panic(err)
	}

	if err := config.Verify(); err != nil {
		panic(err)
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	if err := serverCtx.Run(context.Background(), config); err != nil {
		panic(err)
	}
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}

		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

func (s *ServerContext) datastoreConfig(config *serverconfig.Config) (*sqlcommon.Datastore, error) {
	opts := append(config.DatastoreOptions(), sqlcommon.WithLogger(s.Logger))

	datastore, err := util.NewDatastore(config.Datastore.Engine, config.Datastore.URI, sqlcommon.NewConfig(opts...))
	if err != nil {
		return nil, fmt.Errorf("initialize %s datastore: %w", config.Datastore.Engine, err)
	}

	s.Logger.Info(fmt.Sprintf("using '%v' storage engine", config.Datastore.Engine))

	return datastore, nil
}

// waitForDatastore closes ready once the datastore answers and carries a supported schema.
func (s *ServerContext) waitForDatastore(ctx context.Context, datastore *sqlcommon.Datastore, ready chan<- struct{}) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		status, err := datastore.IsReady(ctx)
		if err != nil {
			return err
		}
		if !status.IsReady {
			return errors.New(status.Message)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return
	}

	s.Logger.Info("datastore is ready, starting metadata cache refresh")
	close(ready)
}

// engineConfig builds the subsetting engine, with the file backend when binary artifacts are
// configured. The layout is nil when they are not.
func (s *ServerContext) engineConfig(config *serverconfig.Config, cache *metadatacache.Cache, datastore *sqlcommon.Datastore, layout *binaryfiles.Layout) *subsetting.Engine {
	opts := []subsetting.EngineOption{subsetting.WithLogger(s.Logger)}

	if layout != nil {
		reader := binaryfiles.NewReader(layout,
			binaryfiles.WithReadPoolSize(config.Subsetting.FileReadPoolSize),
			binaryfiles.WithDecodePoolSize(config.Subsetting.DecodePoolSize),
		)
		opts = append(opts,
			subsetting.WithFileBackend(binaryfiles.NewBackend(reader, binaryfiles.WithBackendLogger(s.Logger)), cache.Checker(layout)),
			subsetting.WithFileSubsetting(config.Subsetting.FileSubsettingEnabled),
		)
		s.Logger.Info(fmt.Sprintf("📂 binary files at '%s', file subsetting enabled: %t", layout.Root(), config.Subsetting.FileSubsettingEnabled))
	}

	return subsetting.NewEngine(cache, datastore, opts...)
}

func (s *ServerContext) runHTTPServer(ctx context.Context, config *serverconfig.Config, svr *server.Server) (*http.Server, error) {
	handler, err := svr.Handler()
	if err != nil {
		return nil, err
	}

	handler = logging.NewHTTPMiddleware(s.Logger)(handler)
	handler = requestid.NewHTTPMiddleware(handler)

	if config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "edasubset")
	}

	httpServer := &http.Server{
		Addr: config.HTTP.Addr,
		Handler: recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
			AllowedOrigins:   config.HTTP.CORSAllowedOrigins,
			AllowCredentials: true,
			AllowedHeaders:   config.HTTP.CORSAllowedHeaders,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead},
		}).Handler(handler), s.Logger),
	}

	listener, err := net.Listen("tcp", config.HTTP.Addr)
	if err != nil {
		return nil, err
	}

	if config.HTTP.TLS != nil && config.HTTP.TLS.Enabled {
		httpGetCertificate, err := watchAndLoadCertificateWithCertWatcher(ctx, config.HTTP.TLS.CertPath, config.HTTP.TLS.KeyPath, s.Logger)
		if err != nil {
			listener.Close()
			return nil, err
		}
		listener = tls.NewListener(listener, &tls.Config{
			GetCertificate: httpGetCertificate,
		})

		s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
	}

	go func() {
		s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", listener.Addr().String()))
		if err := httpServer.Serve(listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Fatal("HTTP server closed with unexpected error", zap.Error(err))
			}
		}
		s.Logger.Info("HTTP server shut down.")
	}()
	return httpServer, nil
}

// Run returns an error if the server was unable to start successfully.
// If it started and terminated successfully, it returns a nil error.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)

	datastore, err := s.datastoreConfig(config)
	if err != nil {
		return err
	}

	var layout *binaryfiles.Layout
	if path := config.Subsetting.BinaryFilesPath(); path != "" {
		layout = binaryfiles.NewLayout(path)
	}

	ready := make(chan struct{})
	cacheOpts := []metadatacache.CacheOpt{
		metadatacache.WithLogger(s.Logger),
		metadatacache.WithRefreshInterval(config.Cache.RefreshInterval),
		metadatacache.WithReadySignal(ready),
	}
	if layout != nil {
		cacheOpts = append(cacheOpts, metadatacache.WithArtifactChecker(layout))
	}
	cache := metadatacache.New(datastore, cacheOpts...)
	cache.Start(ctx)
	go s.waitForDatastore(ctx, datastore, ready)

	engine := s.engineConfig(config, cache, datastore, layout)

	var profilerServer *http.Server
	if config.Profiler.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		profilerServer = &http.Server{Addr: config.Profiler.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("🔬 starting pprof profiler on '%s'", config.Profiler.Addr))

			if err := profilerServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start pprof profiler", zap.Error(err))
				}
			}
			s.Logger.Info("profiler shut down.")
		}()
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}

		go func() {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil {
				if !errors.Is(err, http.ErrServerClosed) {
					s.Logger.Fatal("failed to start prometheus metrics server", zap.Error(err))
				}
			}
			s.Logger.Info("metrics server shut down.")
		}()
	}

	svr := server.MustNewServerWithOpts(
		server.WithEngine(engine),
		server.WithMetadataCache(cache),
		server.WithDatastore(datastore),
		server.WithLogger(s.Logger),
		server.WithRequestTimeout(config.RequestTimeout),
	)

	s.Logger.Info(
		"starting edasubset service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.Any("config", config),
	)

	var httpServer *http.Server
	if config.HTTP.Enabled {
		httpServer, err = s.runHTTPServer(ctx, config, svr)
		if err != nil {
			return err
		}
	}

	// wait for cancellation signal
	<-ctx.Done()
	s.Logger.Info("attempting to shutdown gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the http server", zap.Error(err))
		}
	}

	if profilerServer != nil {
		if err := profilerServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the profiler", zap.Error(err))
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
		}
	}

	cache.Shutdown()
	svr.Close()
	datastore.Close()

	if err := tracerProviderCloser(); err != nil {
		s.Logger.Error("failed to shutdown tracing", zap.Error(err))
	}

	s.Logger.Info("server exited. goodbye 👋")

	return nil
}

func watchAndLoadCertificateWithCertWatcher(ctx context.Context, certPath, keyPath string, logger logger.Logger) (func(*tls.ClientHelloInfo) (*tls.Certificate, error), error) {
	log.SetLogger(logr.New(nil))
	watcher, err := certwatcher.New(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create certwatcher: %w", err)
	}

	if err := watcher.ReadCertificate(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	logger.Info("Initial TLS certificate loaded.", zap.String("certPath", certPath), zap.String("keyPath", keyPath))

	go func() {
		logger.Info("Starting certificate watcher...", zap.String("certPath", certPath), zap.String("keyPath", keyPath))
		if err := watcher.Start(ctx); err != nil {
			logger.Error("Certwatcher encountered an error", zap.Error(err))
		}
	}()

	getCertificate := func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return watcher.GetCertificate(nil)
	}

	return getCertificate, nil
}
