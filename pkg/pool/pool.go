// Package pool provides a bounded worker pool for batch write jobs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("pool: closed")

// Executor is a bounded-concurrency job runner whose load can be inspected.
type Executor interface {
	// Submit schedules job. It must not block on job execution.
	Submit(job func()) error
	// ActiveCount returns the number of jobs running or waiting for a
	// worker. It reaches Capacity as soon as no worker is free for a new job.
	ActiveCount() int
	// Capacity returns the maximum number of jobs that run at once.
	Capacity() int
}

// Pool runs jobs on a fixed set of goroutines. Intake is unbounded: callers
// are expected to watch ActiveCount and hold work back while it is saturated,
// so a burst of jobs waits in the queue instead of being rejected.
type Pool struct {
	workers int

	mu      sync.Mutex
	ready   *sync.Cond
	queue   []func()
	running int
	closed  bool
	wg      sync.WaitGroup

	log     *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used to report panicking jobs.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics records pool activity.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New starts a pool with the given number of workers.
func New(workers int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("pool: workers must be positive, got %d", workers)
	}

	p := &Pool{
		workers: workers,
		log:     logger.L(),
	}
	p.ready = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pool")

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit queues job without waiting for a worker.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.metrics.Rejected()
		return ErrClosed
	}
	p.queue = append(p.queue, job)
	p.ready.Signal()
	return nil
}

// ActiveCount implements Executor. Queued jobs count as active because each
// of them already has a worker's turn reserved.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running + len(p.queue)
}

// Capacity implements Executor.
func (p *Pool) Capacity() int {
	return p.workers
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting jobs and waits until queued jobs have run or ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.ready.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(job)
	}
}

// next blocks until a job is queued. It returns false once the pool is
// closed and drained.
func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.ready.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	// Moved from queued to running under the same lock, so ActiveCount never dips.
	p.running++
	return job, true
}

func (p *Pool) run(job func()) {
	p.metrics.PoolActiveDelta(1)
	defer func() {
		if r := recover(); r != nil {
			p.metrics.Panicked()
			p.log.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		p.metrics.PoolActiveDelta(-1)
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()
	job()
}

var _ Executor = (*Pool)(nil)
