// Package logx provides structured logging for dnshealth-scan.
// It wraps log/slog the same way the upstream Tor client's logger
// package does, adding domain-specific contextual helpers for relays
// and runs instead of circuits and streams.
package logx

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with component/relay/run context helpers.
type Logger struct {
	*slog.Logger
}

// New creates a Logger at the given level writing to w.
func New(level slog.Level, w io.Writer) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler)}
}

// NewDefault creates an info-level logger writing to stderr, matching
// the CLI convention of keeping stdout for the one-line run summary.
func NewDefault() *Logger {
	return New(slog.LevelInfo, os.Stderr)
}

// ParseLevel parses a textual log level, defaulting to info on any
// unrecognized value.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a Logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Run returns a Logger tagged with a run_id.
func (l *Logger) Run(runID string) *Logger {
	return l.With("run_id", runID)
}

// Relay returns a Logger tagged with a relay fingerprint.
func (l *Logger) Relay(fingerprint string) *Logger {
	return l.With("fingerprint", fingerprint)
}
