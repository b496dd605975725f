package compaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/batchwriter"
	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/pool"
	"github.com/nicktill/rollupd/pkg/rollup"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

// Compactor generates rollups from finer data and writes them back in batches.
type Compactor struct {
	storage   storage.Storage
	exec      pool.Executor
	events    *emitter.Emitter[rollup.RollupEvent]
	batch     batchwriter.Config
	retention Retention

	log     *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Compactor.
type Option func(*Compactor)

// WithBatchConfig sets the batch writer thresholds.
func WithBatchConfig(cfg batchwriter.Config) Option {
	return func(c *Compactor) { c.batch = cfg }
}

// WithRetention sets raw retention and rollup TTLs.
func WithRetention(r Retention) Option {
	return func(c *Compactor) { c.retention = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Compactor) { c.log = l }
}

// WithMetrics records rollup passes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Compactor) { c.metrics = m }
}

// New creates a new compactor. events may be nil when nobody listens.
func New(store storage.Storage, exec pool.Executor, events *emitter.Emitter[rollup.RollupEvent], opts ...Option) *Compactor {
	c := &Compactor{
		storage:   store,
		exec:      exec,
		events:    events,
		batch:     batchwriter.DefaultConfig(),
		retention: DefaultRetention(),
		log:       logger.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("compaction")
	return c
}

// RollupPass rolls up the data of the next finer granularity inside rng into
// buckets of gran, persists them through a batch writer and emits one event
// per persisted rollup. It returns the number of rollups written.
//
// Rewriting a bucket replaces the previous rollup, so a pass can be re-run.
func (c *Compactor) RollupPass(ctx context.Context, gran rollup.Granularity, rng rollup.Range) (int, error) {
	finer, ok := gran.Finer()
	if !ok {
		return 0, fmt.Errorf("granularity %q cannot be rolled up", gran)
	}
	start := time.Now()

	source, err := c.storage.Query(ctx, storage.QueryRequest{
		Start:      rng.Start,
		End:        rng.Stop,
		Resolution: string(finer),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query %s data: %w", finer, err)
	}

	writes := c.group(gran, source)
	if len(writes) == 0 {
		return 0, nil
	}

	var (
		mu        sync.Mutex
		persisted []*rollup.WriteContext
	)
	ectx := rollup.NewExecutionContext()
	w, err := batchwriter.New(c.exec, ectx, c.storage, c.batch,
		batchwriter.WithLogger(c.log),
		batchwriter.WithMetrics(c.metrics),
		batchwriter.WithPersisted(func(batch []*rollup.WriteContext) {
			mu.Lock()
			persisted = append(persisted, batch...)
			mu.Unlock()
		}),
	)
	if err != nil {
		return 0, err
	}

	var submitErr error
	for _, wc := range writes {
		if err := w.Enqueue(wc); err != nil {
			submitErr = c.abandon(ectx, err)
			break
		}
	}
	if submitErr == nil {
		if err := w.DrainBatch(); err != nil {
			submitErr = c.abandon(ectx, err)
		}
	} else {
		// Writes still queued will never be submitted.
		for w.Len() > 0 {
			if err := w.DrainBatch(); err != nil {
				c.abandon(ectx, err)
			}
		}
	}

	waitErr := ectx.Wait(ctx)

	mu.Lock()
	done := persisted
	mu.Unlock()
	c.emit(done)

	c.metrics.RollupPass(string(gran), len(done), time.Since(start).Seconds())
	c.log.Info("rollup pass finished",
		zap.String("granularity", string(gran)),
		zap.Stringer("range", rng),
		zap.Int("rollups", len(done)),
		zap.Int("source_points", len(source)),
		zap.Duration("took", time.Since(start)))

	switch {
	case submitErr != nil:
		return len(done), submitErr
	case waitErr != nil:
		return len(done), waitErr
	default:
		return len(done), ectx.Err()
	}
}

// group buckets source data by series and range of gran. The result is
// sorted so passes enqueue in a stable order.
func (c *Compactor) group(gran rollup.Granularity, source []metrics.Metric) []*rollup.WriteContext {
	buckets := make(map[string]*rollup.WriteContext)
	keys := make([]string, 0)
	skipped := 0

	for _, m := range source {
		stats, err := rollup.StatsFromMetric(m)
		if err != nil {
			skipped++
			c.log.Warn("skipping unreadable rollup", zap.String("locator", m.Locator().String()), zap.Error(err))
			continue
		}

		labels := metrics.UserLabels(m.Labels)
		rng := gran.RangeFor(m.Timestamp)
		key := metrics.SeriesKey(m.Tenant, m.Name, labels) + "@" + rng.Start.Format(time.RFC3339)

		wc, exists := buckets[key]
		if !exists {
			wc = &rollup.WriteContext{
				Tenant:      m.Tenant,
				Name:        m.Name,
				Labels:      labels,
				Unit:        m.Unit,
				Granularity: gran,
				Range:       rng,
				TTL:         c.retention.TTLs[gran],
			}
			buckets[key] = wc
			keys = append(keys, key)
		}
		wc.Stats.Merge(stats)
	}

	sort.Strings(keys)
	out := make([]*rollup.WriteContext, len(keys))
	for i, k := range keys {
		out[i] = buckets[k]
	}
	if skipped > 0 {
		c.log.Warn("rollup pass skipped source points", zap.Int("skipped", skipped))
	}
	return out
}

// abandon counts down the writes of a batch the pool refused so the pass
// can still complete.
func (c *Compactor) abandon(ectx *rollup.ExecutionContext, err error) error {
	var subErr *batchwriter.SubmitError
	if errors.As(err, &subErr) {
		for range subErr.Batch {
			ectx.DecrementWriteCounter()
		}
	}
	return fmt.Errorf("rollup pass aborted: %w", err)
}

// emit announces all rollups of a pass in one Emit call, so every listener
// is invoked once per pass no matter how many rollups it wrote.
func (c *Compactor) emit(persisted []*rollup.WriteContext) {
	if c.events == nil || len(persisted) == 0 {
		return
	}
	events := make([]rollup.RollupEvent, len(persisted))
	for i, wc := range persisted {
		events[i] = rollup.NewRollupEvent(wc)
	}

	err := c.events.Emit(rollup.EventName, events...)
	c.metrics.Emitted(rollup.EventName, err)
	if err != nil {
		c.log.Warn("rollup listener failed",
			zap.String("event", rollup.EventName),
			zap.Int("events", len(events)),
			zap.Error(err))
	}
}

// Cleanup deletes raw data points older than the raw retention.
// Rollups expire through their TTL.
func (c *Compactor) Cleanup(ctx context.Context, now time.Time) error {
	if c.retention.Raw <= 0 {
		return nil
	}
	if err := c.storage.Delete(ctx, storage.DeleteOptions{
		Before:     now.Add(-c.retention.Raw),
		Resolution: metrics.ResolutionRaw,
	}); err != nil {
		return fmt.Errorf("failed to delete old raw data: %w", err)
	}
	return nil
}
