// Package logging builds the slog loggers shared by the server and
// consumer binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON logger writing to w. slog keeps the standard library
// feel while emitting structured records any log backend can ingest.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// NewLogger is the stdout convenience the binaries use.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level)
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
