// Package logging provides structured logging for icmptun.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rbmk-project/common/errclass"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Err returns the error and its class as a group of log attributes.
// A nil error yields an empty class.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group(KeyError)
	}
	return slog.Group(KeyError,
		slog.String("msg", err.Error()),
		slog.String(KeyErrClass, errclass.New(err)),
	)
}

// Common attribute keys for consistent logging.
const (
	KeyRole      = "role"
	KeyPeer      = "peer"
	KeySource    = "src"
	KeyDevice    = "device"
	KeyMTU       = "mtu"
	KeyKind      = "kind"
	KeyID        = "id"
	KeySeq       = "seq"
	KeyBytes     = "bytes"
	KeyReason    = "reason"
	KeyResource  = "resource"
	KeyAttempt   = "attempt"
	KeyDelay     = "delay"
	KeyScript    = "script"
	KeyError     = "error"
	KeyErrClass  = "errClass"
	KeyComponent = "component"
	KeyAddress   = "address"
	KeyDuration  = "duration"
)
