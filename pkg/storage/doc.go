/*
Package storage provides the pluggable storage abstraction for rollupd.

# Storage Interface

All backends implement the Storage interface:

	type Storage interface {
	    Write(ctx context.Context, metrics []metrics.Metric) error
	    Query(ctx context.Context, req QueryRequest) ([]metrics.Metric, error)
	    Delete(ctx context.Context, opts DeleteOptions) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:
  - memory: in-memory storage for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Rollups

Raw data points and rollups share one keyspace. A rollup is stored as a metric
whose reserved labels carry its statistics:

	__resolution__="5m" __sum__="13575" __count__="300" __min__="42" __max__="48.1"

The value of a rollup metric is its average. Raw data points have no
__resolution__ label and report metrics.ResolutionRaw.

Writes are upserts keyed by series (tenant, name, labels including the
resolution) and timestamp. A rollup is keyed by locator + granularity + range
start, so a batch that is written twice after a retry does not duplicate data.

# Querying a Resolution

	// All 5m rollups for a tenant in the last day
	results, err := store.Query(ctx, storage.QueryRequest{
	    Start:      time.Now().Add(-24 * time.Hour),
	    End:        time.Now(),
	    Tenant:     "ac1",
	    Resolution: "5m",
	})

# Retention

	// Delete raw points older than 3 days, keep every rollup
	err := store.Delete(ctx, storage.DeleteOptions{
	    Before:     time.Now().Add(-72 * time.Hour),
	    Resolution: metrics.ResolutionRaw,
	})
*/
package storage
