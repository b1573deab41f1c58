// Package logger builds the process-wide JSON slog logger and carries
// request-scoped loggers through context.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/phrazzld/relay-api/internal/config"
)

// Setup builds a JSON logger on stdout at cfg.LogLevel and installs it as
// the slog default, so package-level slog calls share its handler.
func Setup(cfg config.ServerConfig) (*slog.Logger, error) {
	l := New(os.Stdout, ParseLevel(cfg.LogLevel))
	slog.SetDefault(l)
	return l, nil
}

// New returns a JSON logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel maps a configured level name (case-insensitive) to a slog level.
// Unknown names fall back to info and a warning is written to stderr.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		// Runs before the real logger exists.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Warn(
			"invalid log level configured, using default level",
			slog.String("configured_level", name),
			slog.String("default_level", "info"),
		)
		level = slog.LevelInfo
	}
	return level
}
