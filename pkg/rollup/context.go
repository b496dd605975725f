package rollup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// WriteContext is a single pending rollup write.
// The batch writer owns it from enqueue until its batch is submitted; the
// batch job owns it afterwards.
type WriteContext struct {
	Tenant      string
	Name        string
	Labels      map[string]string // user labels only
	Unit        string
	Granularity Granularity
	Range       Range
	Stats       Stats
	TTL         time.Duration
}

// Locator returns the series identity of the write.
func (wc *WriteContext) Locator() metrics.Locator {
	return metrics.NewLocator(wc.Tenant, wc.Name)
}

// ToMetric converts the write into the stored representation.
// The metric is keyed by locator, granularity and range start.
func (wc *WriteContext) ToMetric() metrics.Metric {
	labels := make(map[string]string, len(wc.Labels)+5)
	for k, v := range wc.Labels {
		labels[k] = v
	}
	labels[metrics.ResolutionLabel] = string(wc.Granularity)
	wc.Stats.labels(labels)

	return metrics.Metric{
		Tenant:    wc.Tenant,
		Name:      wc.Name,
		Type:      metrics.RollupType,
		Value:     wc.Stats.Average(),
		Unit:      wc.Unit,
		Labels:    labels,
		Timestamp: wc.Range.Start,
		TTL:       wc.TTL,
	}
}

// waitPollInterval is how often Wait re-checks the counter.
const waitPollInterval = 10 * time.Millisecond

// ExecutionContext tracks the writes outstanding for one rollup pass.
// Every enqueue increments the counter, every terminal write outcome
// decrements it. All methods are safe for concurrent use.
type ExecutionContext struct {
	outstanding atomic.Int64

	mu       sync.Mutex
	firstErr error
	failures int
}

// NewExecutionContext creates an execution context with no outstanding writes.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{}
}

// IncrementWriteCounter records one more outstanding write.
func (c *ExecutionContext) IncrementWriteCounter() {
	c.outstanding.Add(1)
}

// DecrementWriteCounter records that an outstanding write finished,
// successfully or not. Decrementing more often than incrementing is a
// programming error and panics.
func (c *ExecutionContext) DecrementWriteCounter() {
	for {
		cur := c.outstanding.Load()
		if cur <= 0 {
			panic("rollup: DecrementWriteCounter called with no outstanding writes")
		}
		if c.outstanding.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Outstanding returns the number of writes not yet finished.
func (c *ExecutionContext) Outstanding() int64 {
	return c.outstanding.Load()
}

// Done reports whether every enqueued write has finished.
func (c *ExecutionContext) Done() bool {
	return c.outstanding.Load() == 0
}

// MarkUnsuccessful records a failed batch write.
func (c *ExecutionContext) MarkUnsuccessful(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstErr == nil {
		c.firstErr = err
	}
	c.failures++
}

// Err returns the first write failure of the pass, annotated with the
// number of failed batches, or nil.
func (c *ExecutionContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstErr == nil {
		return nil
	}
	if c.failures == 1 {
		return c.firstErr
	}
	return fmt.Errorf("%d batch writes failed, first: %w", c.failures, c.firstErr)
}

// Wait blocks until Done or until ctx is cancelled.
func (c *ExecutionContext) Wait(ctx context.Context) error {
	if c.Done() {
		return nil
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d outstanding writes: %w", c.Outstanding(), ctx.Err())
		case <-ticker.C:
			if c.Done() {
				return nil
			}
		}
	}
}
