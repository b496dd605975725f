package monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor("/tmp", 1<<30)
	assert.Equal(t, int64(1<<30), sm.GetLimit())
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test.txt"), []byte("test data"), 0644))

	sm := NewStorageMonitor(tmpDir, 1<<30)
	usage, err := sm.GetUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage, int64(9))
}

func TestStorageMonitor_Caching(t *testing.T) {
	tmpDir := t.TempDir()
	sm := NewStorageMonitor(tmpDir, 1<<30)

	usage1, err := sm.GetUsage()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "later.bin"), make([]byte, 64<<10), 0644))

	usage2, err := sm.GetUsage()
	require.NoError(t, err)
	assert.Equal(t, usage1, usage2)
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", 1<<30)
	_, err := sm.GetUsage()
	assert.Error(t, err)
	assert.Error(t, sm.CheckLimit())
}

func TestStorageMonitor_CheckLimit(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "data.bin"), make([]byte, 64<<10), 0644))

	assert.NoError(t, NewStorageMonitor(tmpDir, 1<<30).CheckLimit())
	assert.ErrorIs(t, NewStorageMonitor(tmpDir, 1024).CheckLimit(), ErrStorageFull)
	assert.NoError(t, NewStorageMonitor("/nonexistent", 0).CheckLimit())
}
