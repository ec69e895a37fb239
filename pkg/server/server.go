// Package server exposes the subsetting engine and the study metadata over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/internal/build"
	"github.com/veupathdb/edasubset/pkg/logger"
	httpmiddleware "github.com/veupathdb/edasubset/pkg/middleware/http"
	"github.com/veupathdb/edasubset/pkg/server/health"
	"github.com/veupathdb/edasubset/pkg/storage"
	"github.com/veupathdb/edasubset/pkg/study"
	"github.com/veupathdb/edasubset/pkg/subsetting"
)

var tracer = otel.Tracer("pkg/server")

var subsetDownloadCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "subset_download_requested",
	Help:      "The total number of tabular subset downloads requested, by study and entity.",
}, []string{"study", "entity"})

// MetadataCache serves study models and the overview list and can be cleared on demand.
type MetadataCache interface {
	subsetting.StudyProvider
	GetStudyOverviews(ctx context.Context) ([]study.Overview, error)
	Clear()
}

// ReadinessChecker reports whether a dependency of the server can serve requests.
type ReadinessChecker interface {
	IsReady(ctx context.Context) (storage.ReadinessStatus, error)
}

// A Server implements the HTTP endpoints of the subsetting service.
type Server struct {
	engine         *subsetting.Engine
	cache          MetadataCache
	datastore      ReadinessChecker
	logger         logger.Logger
	requestTimeout time.Duration
}

type ServerOption func(s *Server)

func WithEngine(e *subsetting.Engine) ServerOption {
	return func(s *Server) {
		s.engine = e
	}
}

func WithMetadataCache(c MetadataCache) ServerOption {
	return func(s *Server) {
		s.cache = c
	}
}

// WithDatastore sets the datastore whose readiness is reported by the health endpoint.
func WithDatastore(ds ReadinessChecker) ServerOption {
	return func(s *Server) {
		s.datastore = ds
	}
}

func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRequestTimeout bounds metadata, count and distribution requests. Tabular downloads are
// only bounded by the client. 0 means no timeout.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// MustNewServerWithOpts see NewServerWithOpts.
func MustNewServerWithOpts(opts ...ServerOption) *Server {
	s, err := NewServerWithOpts(opts...)
	if err != nil {
		panic(err)
	}

	return s
}

// NewServerWithOpts returns a new server.
// You must call Close on it after you are done using it.
func NewServerWithOpts(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.engine == nil {
		return nil, errors.New("a subsetting engine must be provided")
	}

	if s.cache == nil {
		return nil, errors.New("a metadata cache must be provided")
	}

	return s, nil
}

// IsReady reports whether the datastore answers and is migrated.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if s.datastore == nil {
		return true, nil
	}

	status, err := s.datastore.IsReady(ctx)
	if err != nil {
		return false, err
	}

	if !status.IsReady {
		s.logger.WarnWithContext(ctx, "datastore is not ready", zap.String("message", status.Message))
	}
	return status.IsReady, nil
}

// Handler returns the router of every endpoint.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(httpmiddleware.RoutingErrorHandler))

	checker := &health.Checker{TargetService: s}

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/studies", s.listStudies},
		{http.MethodGet, "/studies/{studyId}", s.getStudy},
		{http.MethodGet, "/studies/{studyId}/entities/{entityId}", s.getEntity},
		{http.MethodPost, "/studies/{studyId}/entities/{entityId}/tabular", s.tabular},
		{http.MethodPost, "/studies/{studyId}/entities/{entityId}/count", s.count},
		{http.MethodPost, "/studies/{studyId}/entities/{entityId}/variables/{variableId}/distribution", s.distribution},
		{http.MethodGet, "/clearMetadataCache", s.clearMetadataCache},
		{http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			checker.ServeHTTP(w, r)
		}},
	}

	for _, route := range routes {
		if err := mux.HandlePath(route.method, route.pattern, route.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// Close releases the server. The cache and the datastore are owned by the caller.
func (s *Server) Close() {
	s.logger.Info("server closed")
}
