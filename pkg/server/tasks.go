package server

import (
	"context"
	"errors"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/compaction"
	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/server/monitor"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/storage/badger"
)

// RollupTask periodically rolls up the slots the scheduler marked dirty.
type RollupTask struct {
	Compactor   *compaction.Compactor
	Scheduler   *compaction.Scheduler
	Monitor     *monitor.RollupMonitor
	Interval    time.Duration
	SettleDelay time.Duration
	Log         *zap.Logger

	// Retry policy within one tick
	MaxRetries     int
	InitialBackoff time.Duration

	now func() time.Time
}

// Run ticks until ctx is cancelled.
func (t *RollupTask) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	t.Log.Info("rollup scheduler started", zap.Duration("interval", t.Interval), zap.Duration("settle_delay", t.SettleDelay))
	for {
		select {
		case <-ticker.C:
			t.runWithRetry(ctx)
		case <-ctx.Done():
			t.Log.Info("stopping rollup scheduler")
			return
		}
	}
}

// runWithRetry runs the due slots, retrying with exponential backoff.
// Failed slots stay marked, so every retry picks them up again.
func (t *RollupTask) runWithRetry(ctx context.Context) {
	now := time.Now
	if t.now != nil {
		now = t.now
	}

	for attempt := 0; attempt <= t.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := t.InitialBackoff * time.Duration(1<<(attempt-1))
			t.Log.Info("retrying rollups", zap.Duration("delay", delay), zap.Int("attempt", attempt+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		passCtx, cancel := context.WithTimeout(ctx, config.RollupPassTimeout)
		n, err := t.Compactor.RunDue(passCtx, t.Scheduler, now(), t.SettleDelay)
		cancel()

		if err == nil {
			t.Monitor.RecordSuccess(n)
			if n > 0 {
				t.Log.Info("rollups written", zap.Int("count", n), zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			}
			return
		}

		t.Monitor.RecordFailure(err)
		t.Log.Error("rollup run failed", zap.Int("attempt", attempt+1), zap.Int("written", n), zap.Error(err))
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if failures := t.Monitor.ConsecutiveErrors(); failures > t.MaxRetries {
			t.Log.Warn("rollups keep failing", zap.Int("consecutive_errors", failures))
		}
	}
	t.Log.Error("rollups failed after retries, will retry on next tick", zap.Int("attempts", t.MaxRetries+1))
}

// RunCleanup deletes expired raw data periodically.
func RunCleanup(ctx context.Context, compactor *compaction.Compactor, interval time.Duration, log *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := compactor.Cleanup(ctx, start); err != nil {
				log.Error("raw data cleanup failed", zap.Error(err))
				continue
			}
			log.Debug("raw data cleanup completed", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		case <-ctx.Done():
			return
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk space.
// Badger's value log keeps deleted and overwritten entries until collected,
// and rollup rewrites overwrite often.
func RunBadgerGC(ctx context.Context, store storage.Storage, interval time.Duration, log *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Info("storage is not badger, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// Reclaim a value log file once half of it is garbage
			err := badgerStore.RunGC(0.5)
			switch {
			case err == nil:
				log.Info("badger GC reclaimed space", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				log.Debug("badger GC found nothing to rewrite")
			default:
				log.Warn("badger GC failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Start launches the event hub and the background tasks. They stop when ctx
// is cancelled; wait on the returned group before closing the app.
func (a *App) Start(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	rollups := &RollupTask{
		Compactor:      a.Compactor,
		Scheduler:      a.Scheduler,
		Monitor:        a.RollupMonitor,
		Interval:       a.Config.Rollup.Interval,
		SettleDelay:    a.Config.Rollup.SettleDelay,
		Log:            a.Log.Named("rollups"),
		MaxRetries:     config.RollupMaxRetries,
		InitialBackoff: config.RollupInitialBackoff,
	}
	wg.Add(3)
	go rollups.Run(ctx, &wg)
	go RunCleanup(ctx, a.Compactor, a.Config.Rollup.CleanupInterval, a.Log.Named("cleanup"), &wg)
	go RunBadgerGC(ctx, a.Store, config.BadgerGCInterval, a.Log.Named("gc"), &wg)

	return &wg
}
