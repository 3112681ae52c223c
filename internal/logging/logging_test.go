package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"garbage", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "level %q", tt.in)
	}
}

func TestSetup_FileLogging(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "albumd.log")

	logger, cleanup, err := Setup(Config{Level: "info", FilePath: path, WriteToStderr: false})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("startup", slog.String("component", "test"))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"startup"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestSetup_NoFile(t *testing.T) {
	logger, cleanup, err := Setup(DefaultConfig())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, logger)
}
