package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	t.Run("JSON形式でサービス名が付与されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger := newLogger(&buf, Config{Level: "info", Format: "json", Service: "auth"})
		logger.Info("起動しました", "port", "9000")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "auth", record["service"])
		assert.Equal(t, "9000", record["port"])
		assert.Equal(t, "起動しました", record["msg"])
	})

	t.Run("レベル未満のログは出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger := newLogger(&buf, Config{Level: "warn", Format: "text"})
		logger.Info("出力されない")
		assert.Empty(t, buf.String())

		logger.Warn("出力される")
		assert.Contains(t, buf.String(), "出力される")
	})
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")

	cfg := FromEnv("auth")
	assert.Equal(t, Config{Level: "debug", Format: "text", Service: "auth"}, cfg)
}
