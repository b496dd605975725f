package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"", zapcore.InfoLevel},
		{"INFO", zapcore.InfoLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestL_NopBeforeInit(t *testing.T) {
	global.Store(nil)
	require.NotNil(t, L())
	L().Info("dropped")
}

func TestInit_WithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rollupd.log")
	log, err := Init("debug", path)
	require.NoError(t, err)
	require.Same(t, log, L())
	Sync()
	global.Store(nil)
}

func TestSet(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	defer global.Store(nil)

	L().Info("hello", zap.String("k", "v"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "v", logs.All()[0].ContextMap()["k"])
}
