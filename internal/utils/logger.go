package utils

import (
	"go.uber.org/zap"
)

// Logger is a simple logger for the application
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger
func NewLogger() *Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	return &Logger{sugar: zl.Sugar()}
}

// Info logs an informational message
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() {
	l.sugar.Sync()
}
