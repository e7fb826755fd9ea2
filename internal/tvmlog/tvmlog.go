// Package tvmlog provides the compiler's ambient diagnostic logger.
//
// Compilation is synchronous and single-threaded (spec.md §5), so this is a
// single package-level logger rather than a per-request one. It defaults to
// a no-op logger; callers embedding this compiler opt in with SetLogger.
package tvmlog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
	mu         sync.RWMutex
)

// L returns the package logger, defaulting to a no-op logger.
func L() *zap.Logger {
	loggerOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger configures the package logger. Call before compiling.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}
