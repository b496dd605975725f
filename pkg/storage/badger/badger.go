package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/storage"
)

// slowScan is the threshold after which full scans are logged.
const slowScan = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	log *zap.Logger
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults to 64 MB memtables x 5; rollup workloads are write-heavy
	// but small, so memory is bounded explicitly.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, log: logger.L().Named("badger")}, nil
}

// Write stores metrics in BadgerDB.
// Keys are derived from series and timestamp, so a rewrite replaces the old value.
func (s *Storage) Write(ctx context.Context, batch []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			for i, m := range batch {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				value, err := encodeMetric(m)
				if err != nil {
					return fmt.Errorf("failed to encode metric: %w", err)
				}

				entry := badger.NewEntry(makeKey(m), value)
				if m.TTL > 0 {
					entry = entry.WithTTL(m.TTL)
				}
				if err := txn.SetEntry(entry); err != nil {
					return fmt.Errorf("failed to write metric: %w", err)
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("write operation cancelled: %w", ctx.Err())
	}
}

// Query retrieves metrics matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type queryResult struct {
		results []metrics.Metric
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var results []metrics.Metric
		start := time.Now()
		scanned := 0

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				scanned++
				if scanned%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				// The key carries the timestamp, so out-of-range points are
				// skipped without decoding the value.
				if ts := keyTime(it.Item().Key()); ts.Before(req.Start) || !ts.Before(req.End) {
					continue
				}

				err := it.Item().Value(func(val []byte) error {
					m, err := decodeMetric(val)
					if err != nil {
						return err
					}
					if req.Matches(m) {
						results = append(results, m)
					}
					return nil
				})
				if err != nil {
					return err
				}

				if req.Limit > 0 && len(results) >= req.Limit {
					break
				}
			}
			return nil
		})

		if elapsed := time.Since(start); elapsed > slowScan {
			s.log.Warn("slow query",
				zap.Duration("elapsed", elapsed),
				zap.Int("scanned", scanned),
				zap.Int("results", len(results)))
		}
		done <- queryResult{results: results, err: err}
	}()

	select {
	case res := <-done:
		return res.results, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("query operation cancelled: %w", ctx.Err())
	}
}

// Delete removes metrics matching the deletion criteria
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			// Values are only needed to read the resolution label
			iterOpts.PrefetchValues = opts.Resolution != ""

			it := txn.NewIterator(iterOpts)
			defer it.Close()

			var keysToDelete [][]byte
			scanned := 0

			for it.Rewind(); it.Valid(); it.Next() {
				scanned++
				if scanned%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				if !keyTime(item.Key()).Before(opts.Before) {
					continue
				}

				if opts.Resolution != "" {
					var m metrics.Metric
					if err := item.Value(func(val []byte) error {
						return json.Unmarshal(val, &m)
					}); err != nil {
						return fmt.Errorf("failed to unmarshal metric: %w", err)
					}
					if !opts.Matches(m) {
						continue
					}
				}

				keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			}

			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("delete operation cancelled: %w", ctx.Err())
	}
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// badger.ErrNoRewrite means nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type statsResult struct {
		stats *storage.Stats
		err   error
	}
	done := make(chan statsResult, 1)

	go func() {
		stats := &storage.Stats{}

		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			series := make(map[uint64]struct{})
			var oldest, newest time.Time
			scanned := 0

			for it.Rewind(); it.Valid(); it.Next() {
				scanned++
				if scanned%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				stats.TotalMetrics++
				series[binary.BigEndian.Uint64(key[0:8])] = struct{}{}

				ts := keyTime(key)
				if oldest.IsZero() || ts.Before(oldest) {
					oldest = ts
				}
				if newest.IsZero() || ts.After(newest) {
					newest = ts
				}
			}

			stats.TotalSeries = uint64(len(series))
			stats.OldestMetric = oldest
			stats.NewestMetric = newest
			return nil
		})

		if err == nil {
			lsmSize, vlogSize := s.db.Size()
			stats.SizeBytes = uint64(lsmSize + vlogSize)
		}
		done <- statsResult{stats: stats, err: err}
	}()

	select {
	case res := <-done:
		return res.stats, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("stats operation cancelled: %w", ctx.Err())
	}
}

// makeKey creates a sortable key: series_hash + timestamp
// Format: [series_hash (8 bytes)][timestamp (8 bytes)]
func makeKey(m metrics.Metric) []byte {
	hash := xxhash.Sum64String(metrics.SeriesKey(m.Tenant, m.Name, m.Labels))

	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], hash)
	binary.BigEndian.PutUint64(key[8:16], uint64(m.Timestamp.UnixNano()))
	return key
}

// keyTime extracts the timestamp from a storage key
func keyTime(key []byte) time.Time {
	if len(key) < 16 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[8:16])))
}

func encodeMetric(m metrics.Metric) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMetric(data []byte) (metrics.Metric, error) {
	var m metrics.Metric
	err := json.Unmarshal(data, &m)
	return m, err
}

var _ storage.Storage = (*Storage)(nil)
