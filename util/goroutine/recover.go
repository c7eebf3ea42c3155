package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

// stackTraceBufferSize is the buffer size for stack trace collection
const stackTraceBufferSize = 4096

// Recover recovers from panics in background tasks and logs them. Every
// scheduled entry point must defer this so that a failure in one task never
// cancels its own future schedule or affects any other task.
// If logger is nil, falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, stackTraceBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("Background task panic recovered",
				"task", name,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in task %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}

// Go runs fn on a new goroutine guarded by Recover
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}
