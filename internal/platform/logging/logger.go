// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pscheid92/reviewpulse/internal/platform/correlation"
	"github.com/pscheid92/reviewpulse/internal/platform/version"
)

// InitLogger installs the default logger for the named binary ("server", "livefeed").
// Server logs go to stdout; the livefeed CLI prints reviews on stdout and logs to stderr.
func InitLogger(app, level, format string) *slog.Logger {
	var w io.Writer = os.Stdout
	if app != "server" {
		w = os.Stderr
	}
	logger := New(w, level, format).With("app", app, "version", version.Version)
	slog.SetDefault(logger)
	return logger
}

// New builds a correlation-aware logger. format is "json" or anything else for text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(correlation.NewHandler(handler))
}

// ParseLevel accepts slog level names ("debug", "WARN", "info+2") and "warning".
// Unknown values log at info.
func ParseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
