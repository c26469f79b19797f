// Package rtlog wires the runtime core's structured logging on top of
// go.uber.org/zap, the way sourcegraph's backend packages do it, rather
// than hand-rolled log.Printf calls.
package rtlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l
}

// SetLogger overrides the package-level logger, for tests and for hosts
// that want to route runtime core logs into their own zap core.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// L returns the current logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Fatal logs at Fatal level, which terminates the process. Used for
// programming-bug and fatal-configuration-error cases.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// Warn logs at Warn level, used for the periodic overrun warning emitted
// while a run-queue push retries.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Info logs at Info level.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Debug logs at Debug level.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}
