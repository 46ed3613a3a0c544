package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the daemon's structured logger for the given
// environment: JSON at Info level in production, human-readable text at
// Debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// NewLeveledLogger creates a logger with an explicit minimum level,
// overriding the environment default. Used for subsystems with their
// own log level setting (the MCP server).
func NewLeveledLogger(env string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// ParseLevel maps a level name to a slog.Level. Unrecognized values
// fall back to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
