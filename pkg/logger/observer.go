package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObserverLogger creates a logger that records entries at or above level in memory so
// tests can assert on them.
func NewObserverLogger(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &ZapLogger{Logger: zap.New(core)}, logs
}
