// Package recovery runs helper goroutines so that a panic in one of them is
// logged instead of crashing the tunnel.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/icmptun/internal/logging"
)

// Go runs fn in a new goroutine. A panic in fn is logged with its stack and
// passed to onPanic, which may be nil.
//
// Example:
//
//	recovery.Go(logger, "health-server", srv.serve, func(any) { cancel() })
func Go(logger *slog.Logger, name string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer Recover(logger, name, onPanic)
		fn()
	}()
}

// Recover recovers a panic in the calling goroutine. It must be deferred.
func Recover(logger *slog.Logger, name string, onPanic func(recovered any)) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
	if onPanic != nil {
		onPanic(r)
	}
}
