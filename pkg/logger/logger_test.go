package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestWithoutContext(t *testing.T) {
	for _, tc := range []struct {
		name          string
		log           func(l *ZapLogger, msg string)
		expectedLevel zapcore.Level
	}{
		{name: "Debug", log: func(l *ZapLogger, msg string) { l.Debug(msg) }, expectedLevel: zapcore.DebugLevel},
		{name: "Info", log: func(l *ZapLogger, msg string) { l.Info(msg) }, expectedLevel: zapcore.InfoLevel},
		{name: "Warn", log: func(l *ZapLogger, msg string) { l.Warn(msg) }, expectedLevel: zapcore.WarnLevel},
		{name: "Error", log: func(l *ZapLogger, msg string) { l.Error(msg) }, expectedLevel: zapcore.ErrorLevel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dut, logs := NewObserverLogger(zapcore.DebugLevel)
			tc.log(dut, "ABC")

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			require.Equal(t, "ABC", entry.Message)
			require.Equal(t, tc.expectedLevel, entry.Level)
			require.Empty(t, entry.ContextMap())
		})
	}
}

func TestWithContext(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "01HZY")
	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	for _, tc := range []struct {
		name          string
		log           func(l *ZapLogger, msg string)
		expectedLevel zapcore.Level
	}{
		{name: "DebugWithContext", log: func(l *ZapLogger, msg string) { l.DebugWithContext(ctx, msg, zap.String("study", "S1")) }, expectedLevel: zapcore.DebugLevel},
		{name: "InfoWithContext", log: func(l *ZapLogger, msg string) { l.InfoWithContext(ctx, msg, zap.String("study", "S1")) }, expectedLevel: zapcore.InfoLevel},
		{name: "WarnWithContext", log: func(l *ZapLogger, msg string) { l.WarnWithContext(ctx, msg, zap.String("study", "S1")) }, expectedLevel: zapcore.WarnLevel},
		{name: "ErrorWithContext", log: func(l *ZapLogger, msg string) { l.ErrorWithContext(ctx, msg, zap.String("study", "S1")) }, expectedLevel: zapcore.ErrorLevel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dut, logs := NewObserverLogger(zapcore.DebugLevel)
			tc.log(dut, "ABC")

			require.Equal(t, 1, logs.Len())
			entry := logs.All()[0]
			require.Equal(t, tc.expectedLevel, entry.Level)
			require.Equal(t, map[string]interface{}{
				"study":      "S1",
				"request_id": "01HZY",
				"trace_id":   "0102030405060708090a0b0c0d0e0f10",
			}, entry.ContextMap())
		})
	}
}

func TestRequestIDFromContext(t *testing.T) {
	_, ok := RequestIDFromContext(context.Background())
	require.False(t, ok)

	_, ok = RequestIDFromContext(ContextWithRequestID(context.Background(), ""))
	require.False(t, ok)

	id, ok := RequestIDFromContext(ContextWithRequestID(context.Background(), "abc"))
	require.True(t, ok)
	require.Equal(t, "abc", id)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("text", "verbose")
	require.EqualError(t, err, "unknown log level: verbose")

	l, err := NewLogger("json", "none")
	require.NoError(t, err)
	require.NotNil(t, l)

	for _, format := range []string{"text", "json"} {
		l, err := NewLogger(format, "debug")
		require.NoError(t, err)
		require.True(t, l.Core().Enabled(zapcore.DebugLevel))
	}

	require.Panics(t, func() { MustNewLogger("text", "loud") })
}
