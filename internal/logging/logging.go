// Package logging provides structured logging for muti-shell nodes.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

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
		Level: lvl,
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

// Component returns a child logger tagged with the component name.
// A nil parent yields a discarding logger so components can be built without one.
func Component(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = NopLogger()
	}
	return parent.With(KeyComponent, name)
}

// Session returns a child logger tagged with an inbound session's id and
// peer address.
func Session(parent *slog.Logger, id, remote string) *slog.Logger {
	if parent == nil {
		parent = NopLogger()
	}
	return parent.With(KeySessionID, id, KeyRemoteAddr, remote)
}

// Common attribute keys for consistent logging.
const (
	KeySessionID  = "session_id"
	KeyEvent      = "event"
	KeyDirection  = "direction"
	KeyCommand    = "command"
	KeyRoute      = "route"
	KeyRole       = "role"
	KeyMode       = "mode"
	KeyIdentity   = "identity"
	KeyTarget     = "target"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
)
