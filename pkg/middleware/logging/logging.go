// Package logging writes one log line per HTTP request once its response is complete.
package logging

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/veupathdb/edasubset/pkg/logger"
)

const (
	httpMethodKey      = "http_method"
	httpPathKey        = "http_path"
	httpStatusKey      = "http_status"
	httpBytesKey       = "http_bytes"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"
	httpReqCompleteKey = "http_req_complete"

	healthCheckPath = "/healthz"
)

// recorder captures the status and size of a response. It keeps the Flush of the wrapped
// writer so streamed responses are not buffered.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *recorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// NewHTTPMiddleware logs requests at info level and server errors at error level. Health
// checks are logged at debug level.
func NewHTTPMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &recorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String(httpMethodKey, r.Method),
				zap.String(httpPathKey, r.URL.Path),
				zap.Int(httpStatusKey, rec.status),
				zap.Int64(httpBytesKey, rec.bytes),
				zap.Int64(queryDurationKey, time.Since(start).Milliseconds()),
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String(userAgentKey, ua))
			}

			ctx := r.Context()
			switch {
			case rec.status >= http.StatusInternalServerError:
				l.ErrorWithContext(ctx, httpReqCompleteKey, fields...)
			case r.URL.Path == healthCheckPath:
				l.DebugWithContext(ctx, httpReqCompleteKey, fields...)
			default:
				l.InfoWithContext(ctx, httpReqCompleteKey, fields...)
			}
		})
	}
}
