package memory

import (
	"context"
	"sync"

	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/storage"
)

// Storage stores metrics in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	metrics []metrics.Metric
	index   map[pointKey]int
	mu      sync.RWMutex
}

type pointKey struct {
	series string
	ts     int64
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		metrics: make([]metrics.Metric, 0, 10000),
		index:   make(map[pointKey]int),
	}
}

// Write stores metrics in memory, replacing points with the same series and timestamp
func (s *Storage) Write(ctx context.Context, batch []metrics.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range batch {
		key := pointKey{
			series: metrics.SeriesKey(m.Tenant, m.Name, m.Labels),
			ts:     m.Timestamp.UnixNano(),
		}
		if i, ok := s.index[key]; ok {
			s.metrics[i] = m
			continue
		}
		s.index[key] = len(s.metrics)
		s.metrics = append(s.metrics, m)
	}
	return nil
}

// Query retrieves metrics matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]metrics.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []metrics.Metric

	for _, m := range s.metrics {
		if !req.Matches(m) {
			continue
		}

		results = append(results, m)

		// Limit check
		if req.Limit > 0 && len(results) >= req.Limit {
			break
		}
	}

	return results, nil
}

// Delete removes metrics matching the deletion criteria
func (s *Storage) Delete(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]metrics.Metric, 0, len(s.metrics))
	index := make(map[pointKey]int, len(s.index))
	for _, m := range s.metrics {
		if opts.Matches(m) {
			continue
		}
		index[pointKey{
			series: metrics.SeriesKey(m.Tenant, m.Name, m.Labels),
			ts:     m.Timestamp.UnixNano(),
		}] = len(filtered)
		filtered = append(filtered, m)
	}

	s.metrics = filtered
	s.index = index
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalMetrics: uint64(len(s.metrics)),
	}

	if len(s.metrics) == 0 {
		return stats, nil
	}

	// Count unique series and find min/max timestamps in single pass
	seriesMap := make(map[string]struct{})
	oldest := s.metrics[0].Timestamp
	newest := s.metrics[0].Timestamp

	for _, m := range s.metrics {
		seriesMap[metrics.SeriesKey(m.Tenant, m.Name, m.Labels)] = struct{}{}

		if m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}

	stats.TotalSeries = uint64(len(seriesMap))
	stats.OldestMetric = oldest
	stats.NewestMetric = newest

	// Rough size estimate (each metric ~100 bytes)
	stats.SizeBytes = uint64(len(s.metrics)) * 100

	return stats, nil
}

// Len returns the number of stored points.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metrics)
}

var _ storage.Storage = (*Storage)(nil)
