package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type target struct {
	ready bool
	err   error
}

func (t target) IsReady(context.Context) (bool, error) { return t.ready, t.err }

func TestChecker(t *testing.T) {
	tests := []struct {
		name           string
		target         target
		expectedStatus int
		expectedBody   string
	}{
		{name: "ready", target: target{ready: true}, expectedStatus: http.StatusOK, expectedBody: `{"status":"SERVING"}`},
		{name: "not_ready", target: target{}, expectedStatus: http.StatusServiceUnavailable, expectedBody: `{"status":"NOT_SERVING"}`},
		{name: "error", target: target{ready: true, err: errors.New("ping failed")}, expectedStatus: http.StatusServiceUnavailable, expectedBody: `{"status":"NOT_SERVING"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			checker := &Checker{TargetService: test.target}

			w := httptest.NewRecorder()
			checker.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			require.Equal(t, test.expectedStatus, w.Code)
			require.JSONEq(t, test.expectedBody, w.Body.String())
		})
	}
}
