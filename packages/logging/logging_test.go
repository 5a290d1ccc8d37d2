package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
)

func TestNewFromConfig_NoFile(t *testing.T) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer

	logger, closer, err := NewFromConfig(cfg, t.TempDir(), &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "key=value")
}

func TestNewFromConfig_File(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Logging = config.LoggingConfig{
		Level:  config.LogLevelDebug,
		Format: config.LogFormatJSON,
		File:   "logs/run.log",
	}
	var buf bytes.Buffer

	logger, closer, err := NewFromConfig(cfg, dir, &buf)
	require.NoError(t, err)
	require.NotNil(t, closer)

	WithRun(logger, "run-1").Debug("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "logs", "run.log"))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "started", entry["msg"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, strings.TrimSpace(buf.String()), strings.TrimSpace(string(data)))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"", slog.LevelWarn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestWithTest(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogLevelInfo, config.LogFormatText, &buf)

	WithTest(logger, "Suite.Login", 2).Info("retrying")
	assert.Contains(t, buf.String(), "test_id=Suite.Login")
	assert.Contains(t, buf.String(), "attempt=2")
}

func TestNewForTest(t *testing.T) {
	logger := NewForTest()
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}
