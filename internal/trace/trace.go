// Package trace provides the library's diagnostic logger.
//
// The hot paths of the maps never log; tracing exists for the drivers,
// stress tests, and fatal conditions. The logger is a no-op unless
// NBMAP_TRACE is set, so linking the library costs nothing at runtime.
package trace

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Logger returns the process-wide diagnostic logger.
func Logger() *zap.Logger {
	once.Do(func() {
		if os.Getenv("NBMAP_TRACE") == "" {
			logger = zap.NewNop()
			return
		}
		l, err := zap.NewDevelopment()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// Fatalf reports an unrecoverable condition and aborts the process. It is a
// variable so tests can intercept it.
var Fatalf = func(format string, args ...interface{}) {
	Logger().Sugar().Fatalf(format, args...)
}
