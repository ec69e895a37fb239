package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	interrors "github.com/veupathdb/edasubset/internal/errors"
	"github.com/veupathdb/edasubset/pkg/storage"
)

func TestInternalErrorDontLeakInternals(t *testing.T) {
	err := NewInternalError("public", errors.New("internal"))

	require.NotContains(t, err.Error(), "internal")
	require.Equal(t, codes.Internal, status.Code(err))
}

func TestInternalErrorsWithNoMessageReturnsInternalServiceError(t *testing.T) {
	err := NewInternalError("", errors.New("internal"))

	expected := InternalServerErrorMsg
	require.Contains(t, err.Error(), expected)
}

func TestHandleError(t *testing.T) {
	boom := errors.New("connection refused")

	tests := map[string]struct {
		err            error
		expectedCode   codes.Code
		expectedMsg    string
		expectedStatus int
	}{
		`validation`: {
			err:            interrors.Validationf("Sort direction must be 'asc' or 'desc': up"),
			expectedCode:   codes.InvalidArgument,
			expectedMsg:    "Sort direction must be 'asc' or 'desc': up",
			expectedStatus: http.StatusBadRequest,
		},
		`study_not_found`: {
			err:            storage.StudyNotFoundError("S404"),
			expectedCode:   codes.NotFound,
			expectedMsg:    "study 'S404' not found: not found",
			expectedStatus: http.StatusNotFound,
		},
		`entity_not_found`: {
			err:            interrors.NotFoundf("Entity 'pet' not found in study 'S1'"),
			expectedCode:   codes.NotFound,
			expectedMsg:    "Entity 'pet' not found in study 'S1'",
			expectedStatus: http.StatusNotFound,
		},
		`context_cancelled`: {
			err:            fmt.Errorf("read: %w", context.Canceled),
			expectedCode:   codes.Canceled,
			expectedMsg:    "Request Cancelled",
			expectedStatus: 499,
		},
		`context_deadline_exceeded`: {
			err:            context.DeadlineExceeded,
			expectedCode:   codes.DeadlineExceeded,
			expectedMsg:    "Request Deadline Exceeded",
			expectedStatus: http.StatusGatewayTimeout,
		},
		`backend_failure`: {
			err:            boom,
			expectedCode:   codes.Internal,
			expectedMsg:    InternalServerErrorMsg,
			expectedStatus: http.StatusInternalServerError,
		},
		`status_passthrough`: {
			err:            status.Error(codes.Unimplemented, "nope"),
			expectedCode:   codes.Unimplemented,
			expectedMsg:    "nope",
			expectedStatus: http.StatusNotImplemented,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := HandleError("", test.err)

			st, ok := status.FromError(err)
			require.True(t, ok)
			require.Equal(t, test.expectedCode, st.Code())
			require.Equal(t, test.expectedMsg, st.Message())
			require.Equal(t, test.expectedStatus, HTTPStatus(err))
		})
	}
}

func TestHandleErrorKeepsInternalCause(t *testing.T) {
	boom := errors.New("connection refused")

	err := HandleError("failed to count", boom)

	var internal InternalError
	require.ErrorAs(t, err, &internal)
	require.ErrorIs(t, internal.Unwrap(), boom)
	require.Equal(t, "rpc error: code = Internal desc = failed to count", err.Error())
}

func TestHandleErrorNil(t *testing.T) {
	require.NoError(t, HandleError("", nil))
	require.Equal(t, http.StatusOK, HTTPStatus(nil))
}
