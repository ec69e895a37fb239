package recovery

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/veupathdb/edasubset/pkg/logger"
)

func TestPanic(t *testing.T) {
	panicHandlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("Unexpected error!")
	})

	l, logs := logger.NewObserverLogger(zapcore.ErrorLevel)
	handler := HTTPPanicRecoveryHandler(panicHandlerFunc, l)

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(resp, req)
	})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"code":"Internal","message":"Internal Server Error"}`, resp.Body.String())
	require.Equal(t, 1, logs.Len())
}

func TestAbortHandlerIsRepanicked(t *testing.T) {
	handler := HTTPPanicRecoveryHandler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic(http.ErrAbortHandler)
	}), logger.NewNoopLogger())

	require.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
