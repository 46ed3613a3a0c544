package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", handler)
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	handler := logger.Handler()
	_, ok := handler.(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", handler)
}

func TestNewLogger_UnknownEnv_TextHandler(t *testing.T) {
	for _, env := range []string{"", "staging", "prod"} {
		logger := NewLogger(env)
		require.NotNil(t, logger)

		handler := logger.Handler()
		_, ok := handler.(*slog.TextHandler)
		assert.True(t, ok, "env %q should use TextHandler, got %T", env, handler)
	}
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger := NewLogger("production")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger := NewLogger("development")
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
}

func TestNewLeveledLogger_OverridesEnvDefault(t *testing.T) {
	// Production defaults to Info; an explicit Debug level must win.
	logger := NewLeveledLogger("production", slog.LevelDebug)
	require.NotNil(t, logger)
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production leveled logger should keep JSON format")
}

func TestNewLeveledLogger_SuppressesBelowLevel(t *testing.T) {
	logger := NewLeveledLogger("development", slog.LevelError)
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelError))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelInfo))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"Warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}
