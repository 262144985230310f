package log

import (
	"os"
	"path/filepath"
	"testing"

	"Atelier/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapLogger_NilConfig(t *testing.T) {
	logger, err := NewZapLogger(nil)
	require.Error(t, err)
	assert.Nil(t, logger)
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "verbose", Format: "json"})
	require.Error(t, err)
	assert.Nil(t, logger)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewZapLogger_JSONFormat(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json", Env: "production"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("test message")
	require.NoError(t, logger.Sync())
}

func TestNewZapLogger_ConsoleFormat(t *testing.T) {
	logger, err := NewZapLogger(&conf.Log{Level: "debug", Format: "console", Env: "development"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Debug("console test")
}

func TestNewZapLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	outputFile := filepath.Join(dir, "atelier.log")

	logger, err := NewZapLogger(&conf.Log{
		Level:      "info",
		Format:     "json",
		Env:        "production",
		OutputFile: outputFile,
	})
	require.NoError(t, err)

	logger.Info("written to file")
	_ = logger.Sync()

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"service":"Atelier"`)
}

func TestNewZapLogger_EnvFallback(t *testing.T) {
	t.Setenv("ATELIER_ENV", "development")

	// Empty Env in config falls back to ATELIER_ENV
	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}
