// Package logging provides structured logging for shadowgate's local and
// server peers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeys never get their values written to the log stream, even if a
// caller accidentally attaches one: the shared password is the one secret
// that ever crosses this package, unlike a mesh agent's routing metadata.
var redactedKeys = map[string]bool{
	KeyPassword: true,
}

// scrubSecrets is a slog.HandlerOptions.ReplaceAttr hook that masks any
// attribute logged under a redacted key, regardless of handler format.
func scrubSecrets(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: scrubSecrets,
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

// WithSession returns log scoped to one relay session, the grouping every
// per-connection log line in both peers is keyed by.
func WithSession(log *slog.Logger, sessionID uint64) *slog.Logger {
	return log.With(KeySessionID, sessionID)
}

// parseLevel converts a string log level to slog.Level.
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

// Common attribute keys for consistent logging.
const (
	KeySessionID   = "session_id"
	KeyCipher      = "cipher"
	KeyDestination = "destination"
	KeyTransport   = "transport"
	KeyDirection   = "direction"
	KeyBytes       = "bytes"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyPassword    = "password"
)
