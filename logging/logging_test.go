package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "train.log")
	var console bytes.Buffer

	logger, closer, err := New(Options{Path: path, Level: "info", Console: &console})
	require.NoError(t, err)
	logger.Info("epoch finished", "epoch", 3)
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "epoch finished")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "epoch=3")
}

func TestNewWithoutFile(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Console: &console})
	require.NoError(t, err)
	logger.Debug("visible")
	assert.NoError(t, closer.Close())
	assert.Contains(t, console.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
