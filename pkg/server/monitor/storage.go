package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/rollupd/pkg/config"
)

// ErrStorageFull is returned by CheckLimit once usage reaches the limit.
var ErrStorageFull = errors.New("storage limit reached")

// StorageMonitor reports how much disk the badger data directory uses and
// refuses ingestion once it reaches the configured limit.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	cacheFor time.Duration

	mu        sync.Mutex
	usage     int64
	lastCheck time.Time
}

// NewStorageMonitor creates a new storage monitor. A zero maxBytes disables the limit.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		cacheFor: config.StorageUsageCacheFor,
	}
}

// GetUsage returns the allocated size of the data directory in bytes.
// Walking the tree is slow, so the result is reused for a short while.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheFor {
		return sm.usage, nil
	}

	usage, err := dirUsage(sm.dataDir)
	if err != nil {
		return 0, err
	}
	sm.usage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// CheckLimit returns ErrStorageFull when the data directory has reached the limit.
func (sm *StorageMonitor) CheckLimit() error {
	if sm.maxBytes <= 0 {
		return nil
	}
	used, err := sm.GetUsage()
	if err != nil {
		return fmt.Errorf("check storage usage: %w", err)
	}
	if used >= sm.maxBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, sm.maxBytes)
	}
	return nil
}

// dirUsage sums the allocated size of every file below root. Badger removes
// value log and table files during compaction, so files that disappear
// mid-walk are skipped.
func dirUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if n, err := allocatedSize(path, info); err == nil {
			total += n
		} else {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
