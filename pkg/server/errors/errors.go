// Package errors translates subsetting and storage errors into gRPC status errors, which the
// HTTP layer renders with the matching status code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	interrors "github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/storage"
)

const InternalServerErrorMsg = "Internal Server Error"

var (
	RequestCancelled        = status.Error(codes.Canceled, "Request Cancelled")
	RequestDeadlineExceeded = status.Error(codes.DeadlineExceeded, "Request Deadline Exceeded")
)

// InternalError is an error that is not returned to the client as is. Its public message is
// reported instead and the internal error is only logged.
type InternalError struct {
	public   error
	internal error
}

var _ interface{ GRPCStatus() *status.Status } = InternalError{}

func (e InternalError) Error() string {
	// hide the internal error in the message
	return e.public.Error()
}

// Is reports whether the target error is the same as the public error.
func (e InternalError) Is(target error) bool {
	return target.Error() == e.public.Error()
}

func (e InternalError) Unwrap() error {
	return e.internal
}

func (e InternalError) GRPCStatus() *status.Status {
	st, ok := status.FromError(e.public)
	if !ok {
		return status.New(codes.Internal, e.public.Error())
	}
	return st
}

// NewInternalError returns an error that is decorated with a public-facing error message.
// It is only meant to be called by HandleError.
func NewInternalError(public string, internal error) InternalError {
	if public == "" {
		public = InternalServerErrorMsg
	}

	return InternalError{
		public:   status.Error(codes.Internal, public),
		internal: internal,
	}
}

// NotFound reports a study or entity that does not exist.
func NotFound(msg string) error {
	return status.Error(codes.NotFound, msg)
}

// InvalidArgument reports a request the client has to change before retrying.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

// MalformedBody reports a request body that is not valid JSON for the endpoint.
func MalformedBody(err error) error {
	return status.Error(codes.InvalidArgument, fmt.Sprintf("Unable to parse request body: %s", err))
}

// HandleError converts err into a status error. Validation errors keep their message, missing
// studies and entities become NotFound and anything unexpected becomes an InternalError.
func HandleError(public string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, storage.ErrCancelled):
		return RequestCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return RequestDeadlineExceeded
	case interrors.IsValidation(err):
		return InvalidArgument(err.Error())
	case errors.Is(err, interrors.ErrNotFound):
		return NotFound(err.Error())
	}

	if _, ok := status.FromError(err); ok {
		return err
	}
	return NewInternalError(public, err)
}

// HTTPStatus returns the HTTP status code of a status error.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return runtime.HTTPStatusFromCode(status.Code(err))
}
