package storage

import (
	"context"
	"time"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// Storage defines the interface for metric storage backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Write stores metrics. A metric with the same series and timestamp as
	// an existing one replaces it, so rewriting a rollup is idempotent.
	Write(ctx context.Context, metrics []metrics.Metric) error

	// Query retrieves metrics within a time range
	Query(ctx context.Context, req QueryRequest) ([]metrics.Metric, error)

	// Delete removes metrics matching the deletion criteria
	Delete(ctx context.Context, opts DeleteOptions) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest specifies what metrics to retrieve
type QueryRequest struct {
	// Time range, inclusive start, exclusive end
	Start time.Time
	End   time.Time

	// Filter by tenant (optional)
	Tenant string

	// Filter by metric name (optional)
	MetricNames []string

	// Filter by labels (optional)
	Labels map[string]string

	// Filter by resolution (optional). metrics.ResolutionRaw selects
	// data points that were never rolled up.
	Resolution string

	// Limit number of results (0 = no limit)
	Limit int
}

// DeleteOptions selects metrics for deletion
type DeleteOptions struct {
	// Delete metrics strictly older than this
	Before time.Time

	// Only delete this resolution ("" = all resolutions)
	Resolution string
}

// Stats provides storage health and usage info
type Stats struct {
	// Total metrics stored
	TotalMetrics uint64

	// Unique time series (metric name + label combinations)
	TotalSeries uint64

	// Storage size in bytes
	SizeBytes uint64

	// Oldest metric timestamp
	OldestMetric time.Time

	// Newest metric timestamp
	NewestMetric time.Time
}

// Matches reports whether a metric passes the request filters.
// Shared by backends so filtering semantics stay identical.
func (req QueryRequest) Matches(m metrics.Metric) bool {
	if m.Timestamp.Before(req.Start) || !m.Timestamp.Before(req.End) {
		return false
	}

	if req.Tenant != "" && m.Tenant != req.Tenant {
		return false
	}

	if len(req.MetricNames) > 0 {
		found := false
		for _, name := range req.MetricNames {
			if m.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if req.Resolution != "" && m.Resolution() != req.Resolution {
		return false
	}

	for k, v := range req.Labels {
		if m.Labels == nil || m.Labels[k] != v {
			return false
		}
	}

	return true
}

// Matches reports whether a metric is selected for deletion.
func (opts DeleteOptions) Matches(m metrics.Metric) bool {
	if !m.Timestamp.Before(opts.Before) {
		return false
	}
	return opts.Resolution == "" || m.Resolution() == opts.Resolution
}
