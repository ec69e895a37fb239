package recovery

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/veupathdb/edasubset/pkg/logger"
	httpmiddleware "github.com/veupathdb/edasubset/pkg/middleware/http"
	"github.com/veupathdb/edasubset/pkg/server/errors"
)

// HTTPPanicRecoveryHandler recover from panic for http services.
func HTTPPanicRecoveryHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				l.ErrorWithContext(r.Context(), "HTTPPanicRecoveryHandler has recovered a panic",
					zap.Error(fmt.Errorf("%v", err)),
					zap.ByteString("stacktrace", debug.Stack()),
				)
				httpmiddleware.CustomHTTPErrorHandler(r.Context(), w, r, status.Error(codes.Internal, errors.InternalServerErrorMsg))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
