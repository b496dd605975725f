package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/ingest"
)

// BatchConfig holds configuration for the batcher
type BatchConfig struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
}

// DefaultBatchConfig matches the server's per-request limit.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize: ingest.MaxMetricsPerRequest,
		FlushEvery:   5 * time.Second,
		SendTimeout:  5 * time.Second,
	}
}

// Batcher buffers metrics and sends them through a Sender.
type Batcher struct {
	config BatchConfig
	sender Sender
	log    *zap.Logger

	pending []ingest.JSONMetric
	mu      sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	// Only one background flush runs at a time
	flushing atomic.Bool
	failed   atomic.Int64
}

// NewBatcher creates a batcher. Call Start before Add.
func NewBatcher(sender Sender, config BatchConfig, log *zap.Logger) *Batcher {
	if config.MaxBatchSize <= 0 || config.MaxBatchSize > ingest.MaxMetricsPerRequest {
		config.MaxBatchSize = ingest.MaxMetricsPerRequest
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Batcher{
		config:  config,
		sender:  sender,
		log:     log,
		pending: make([]ingest.JSONMetric, 0, config.MaxBatchSize),
		done:    make(chan struct{}),
	}
}

// Start starts the periodic flush loop.
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add buffers a metric and flushes in the background once the batch is full.
func (b *Batcher) Add(m ingest.JSONMetric) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	full := len(b.pending) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		b.sends.Add(1)
		go func() {
			defer b.sends.Done()
			defer b.flushing.Store(false)
			b.flushAll()
		}()
	}
}

// Pending returns the number of buffered metrics.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Failed returns the number of metrics dropped after a failed send.
func (b *Batcher) Failed() int64 {
	return b.failed.Load()
}

// Stop stops the flush loop, waits for in-flight sends and sends what is left.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()

	var errs error
	for {
		batch := b.take()
		if len(batch) == 0 {
			return errs
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
		errs = multierr.Append(errs, b.sender.Send(ctx, batch))
		cancel()
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flushAll()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) flushAll() {
	for {
		batch := b.take()
		if len(batch) == 0 {
			return
		}
		b.send(batch)
	}
}

// take removes up to MaxBatchSize metrics from the buffer.
func (b *Batcher) take() []ingest.JSONMetric {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(len(b.pending), b.config.MaxBatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]ingest.JSONMetric, n)
	copy(batch, b.pending)
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return batch
}

func (b *Batcher) send(batch []ingest.JSONMetric) {
	parent := b.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, b.config.SendTimeout)
	defer cancel()

	if err := b.sender.Send(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		b.log.Warn("failed to send metrics",
			zap.Int("count", len(batch)),
			zap.Bool("retryable", Retryable(err)),
			zap.Error(err))
	}
}
