// Package batchwriter persists rollups in batches sized to the load of a
// worker pool.
//
// Rollups are queued until MinBatchSize is reached. From then on every
// enqueue inspects the pool once: an idle worker gets the whole queue as one
// batch, a saturated pool leaves the rollups queued until MaxBatchSize forces
// a submission anyway. DrainBatch flushes whatever is left.
package batchwriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/pool"
	"github.com/nicktill/rollupd/pkg/rollup"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

const (
	// DefaultMinBatchSize is the queue length at which the pool is first inspected.
	DefaultMinBatchSize = 5
	// DefaultMaxBatchSize is the queue length that forces a submission.
	DefaultMaxBatchSize = 100
	// DefaultWriteTimeout bounds one batch write.
	DefaultWriteTimeout = 30 * time.Second
)

// Submission reasons, used as log fields and metric labels.
const (
	ReasonThreshold = "threshold"
	ReasonForced    = "forced"
	ReasonDrain     = "drain"
)

var (
	// ErrNilWriteContext is returned when Enqueue is given a nil write.
	ErrNilWriteContext = errors.New("batchwriter: nil write context")
	// ErrInvalidConfig is returned for batch sizes that cannot work.
	ErrInvalidConfig = errors.New("batchwriter: invalid config")
)

// Persister is the bulk write operation of the storage backend.
// Writes are keyed by locator, granularity and range start, so a batch can be
// written again safely.
type Persister interface {
	Write(ctx context.Context, batch []metrics.Metric) error
}

// Config holds the batch size thresholds.
type Config struct {
	// MinBatchSize of 0 inspects the pool on every enqueue.
	MinBatchSize int
	MaxBatchSize int
	// WriteTimeout of 0 means batch writes are not bounded.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinBatchSize: DefaultMinBatchSize,
		MaxBatchSize: DefaultMaxBatchSize,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate checks that the thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, c.MaxBatchSize)
	case c.MinBatchSize < 0:
		return fmt.Errorf("%w: min batch size must not be negative, got %d", ErrInvalidConfig, c.MinBatchSize)
	case c.MinBatchSize > c.MaxBatchSize:
		return fmt.Errorf("%w: min batch size %d exceeds max batch size %d", ErrInvalidConfig, c.MinBatchSize, c.MaxBatchSize)
	case c.WriteTimeout < 0:
		return fmt.Errorf("%w: write timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// SubmitError reports a batch the pool refused. The writes in Batch were
// counted on the execution context and are not retried.
type SubmitError struct {
	Reason string
	Batch  []*rollup.WriteContext
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("batchwriter: submit %s batch of %d: %v", e.Reason, len(e.Batch), e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// BatchWriter queues rollup writes and submits them to an Executor in batches.
type BatchWriter struct {
	exec  pool.Executor
	ectx  *rollup.ExecutionContext
	store Persister
	cfg   Config

	mu    sync.Mutex
	queue []*rollup.WriteContext

	persisted func([]*rollup.WriteContext)
	log       *zap.Logger
	metrics   *telemetry.Metrics
}

// Option configures a BatchWriter.
type Option func(*BatchWriter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *BatchWriter) { w.log = l }
}

// WithMetrics records batching activity.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *BatchWriter) { w.metrics = m }
}

// WithPersisted registers fn to be called from the batch job after each
// successful batch write, before the writes are counted down.
func WithPersisted(fn func(batch []*rollup.WriteContext)) Option {
	return func(w *BatchWriter) { w.persisted = fn }
}

// New creates a batch writer for one execution context.
func New(exec pool.Executor, ectx *rollup.ExecutionContext, store Persister, cfg Config, opts ...Option) (*BatchWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if exec == nil || ectx == nil || store == nil {
		return nil, fmt.Errorf("%w: executor, execution context and persister are required", ErrInvalidConfig)
	}

	w := &BatchWriter{
		exec:  exec,
		ectx:  ectx,
		store: store,
		cfg:   cfg,
		queue: make([]*rollup.WriteContext, 0, cfg.MaxBatchSize),
		log:   logger.L(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.Named("batchwriter")
	return w, nil
}

// Enqueue queues wc and submits a batch when the pool can take it or the
// queue is full. It never waits for storage. A submission error is returned
// to the caller whose enqueue triggered it.
func (w *BatchWriter) Enqueue(wc *rollup.WriteContext) error {
	if wc == nil {
		return ErrNilWriteContext
	}

	var (
		batch  []*rollup.WriteContext
		reason string
	)

	// Append, threshold check, inspection and drain form one critical
	// section so two producers can never claim the same writes.
	w.mu.Lock()
	w.queue = append(w.queue, wc)
	w.ectx.IncrementWriteCounter()

	if len(w.queue) >= w.cfg.MinBatchSize {
		w.metrics.Inspected()
		saturated := w.exec.ActiveCount() >= w.exec.Capacity()
		switch {
		case !saturated:
			batch, reason = w.take(), ReasonThreshold
		case len(w.queue) >= w.cfg.MaxBatchSize:
			batch, reason = w.take(), ReasonForced
		}
	}
	w.metrics.SetQueueDepth(len(w.queue))
	w.mu.Unlock()

	if batch == nil {
		return nil
	}
	return w.submit(batch, reason)
}

// DrainBatch submits everything queued as one batch regardless of
// thresholds and pool load. An empty queue is a no-op.
func (w *BatchWriter) DrainBatch() error {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.take()
	w.metrics.SetQueueDepth(len(w.queue))
	w.mu.Unlock()

	return w.submit(batch, ReasonDrain)
}

// Len returns the number of queued writes.
func (w *BatchWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// take removes up to MaxBatchSize writes from the head of the queue.
// Callers must hold w.mu.
func (w *BatchWriter) take() []*rollup.WriteContext {
	n := len(w.queue)
	if n > w.cfg.MaxBatchSize {
		n = w.cfg.MaxBatchSize
	}
	batch := make([]*rollup.WriteContext, n)
	copy(batch, w.queue)

	rest := copy(w.queue, w.queue[n:])
	clear(w.queue[rest:])
	w.queue = w.queue[:rest]
	return batch
}

func (w *BatchWriter) submit(batch []*rollup.WriteContext, reason string) error {
	if err := w.exec.Submit(w.job(batch)); err != nil {
		w.metrics.SubmitFailed()
		w.log.Error("batch rejected by pool",
			zap.String("reason", reason),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return &SubmitError{Reason: reason, Batch: batch, Err: err}
	}

	w.metrics.BatchSubmitted(reason, len(batch))
	w.log.Debug("batch submitted",
		zap.String("reason", reason),
		zap.Int("batch_size", len(batch)))
	return nil
}
