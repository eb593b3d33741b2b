package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Named("store").Info("persisted", zap.String("key", "session-persist"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"persisted"`)
	assert.Contains(t, string(data), `"logger":"store"`)
	assert.Contains(t, string(data), `"key":"session-persist"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestNopIsUsable(t *testing.T) {
	l := NewNop().With(zap.Int("n", 1))
	l.Info("ignored")
}
