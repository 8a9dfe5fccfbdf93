// Package logging builds the [log/slog] loggers used by the server and lldctl.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Output formats accepted by [NewWithWriter].
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New returns a JSON logger on stderr at the given level.
func New(level string) *slog.Logger {
	return NewWithWriter(level, FormatJSON, os.Stderr)
}

// NewWithWriter returns a logger writing to w. Unknown formats fall back to
// JSON and unknown levels to info.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), FormatText) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level string to a [slog.Level], defaulting to
// [slog.LevelInfo].
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
