// Package http holds the HTTP error rendering shared by every endpoint.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/veupathdb/edasubset/pkg/server/errors"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CustomHTTPErrorHandler writes err, a status error, as a JSON ErrorResponse with the HTTP
// status matching its code.
func CustomHTTPErrorHandler(_ context.Context, w http.ResponseWriter, _ *http.Request, err error) {
	st := status.Convert(err)
	if st.Code() == codes.Unknown {
		st = status.New(codes.Internal, errors.InternalServerErrorMsg)
	}

	buf, merr := json.Marshal(ErrorResponse{Code: st.Code().String(), Message: st.Message()})
	if merr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Del("Trailer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	_, _ = w.Write(buf)
}

// RoutingErrorHandler answers requests that match no route or use the wrong method.
func RoutingErrorHandler(ctx context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, httpStatus int) {
	var err error
	switch httpStatus {
	case http.StatusMethodNotAllowed:
		err = status.Error(codes.Unimplemented, http.StatusText(httpStatus))
	case http.StatusNotFound:
		err = status.Errorf(codes.NotFound, "No route for %s %s", r.Method, r.URL.Path)
	default:
		err = status.Error(codes.InvalidArgument, http.StatusText(httpStatus))
	}
	CustomHTTPErrorHandler(ctx, w, r, err)
}
