package compaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/rollup"
)

type slotKey struct {
	gran  rollup.Granularity
	start int64
}

// Scheduler tracks the slots whose source data changed and are waiting to
// be rolled up. It is safe for concurrent use.
type Scheduler struct {
	mu    sync.Mutex
	dirty map[slotKey]Slot
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{dirty: make(map[slotKey]Slot)}
}

// Mark records that the slot of gran containing t needs rolling up.
func (s *Scheduler) Mark(gran rollup.Granularity, t time.Time) {
	if gran.Duration() == 0 {
		return
	}
	rng := gran.RangeFor(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[slotKey{gran: gran, start: rng.Start.UnixNano()}] = Slot{Granularity: gran, Range: rng}
}

// MarkMetrics records ingested raw data points.
func (s *Scheduler) MarkMetrics(ms []metrics.Metric) {
	for _, m := range ms {
		s.Mark(rollup.Granularity5m, m.Timestamp)
	}
}

// Listener returns the emitter listener that schedules the next coarser
// granularity of every persisted rollup.
func (s *Scheduler) Listener() *emitter.FuncListener[rollup.RollupEvent] {
	return emitter.Func(func(events ...rollup.RollupEvent) error {
		for _, ev := range events {
			if next, ok := ev.Granularity.Coarser(); ok {
				s.Mark(next, ev.Range.Start)
			}
		}
		return nil
	})
}

// Due removes and returns the slots that ended at least delay before now,
// finest granularity first, then oldest first.
func (s *Scheduler) Due(now time.Time, delay time.Duration) []Slot {
	s.mu.Lock()
	var due []Slot
	for k, slot := range s.dirty {
		if !slot.Range.Stop.Add(delay).After(now) {
			due = append(due, slot)
			delete(s.dirty, k)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		gi, gj := due[i].Granularity.Duration(), due[j].Granularity.Duration()
		if gi != gj {
			return gi < gj
		}
		return due[i].Range.Start.Before(due[j].Range.Start)
	})
	return due
}

// Pending returns the number of dirty slots.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// RunDue rolls up every due slot. Failed slots are marked dirty again and
// their errors returned together.
func (c *Compactor) RunDue(ctx context.Context, s *Scheduler, now time.Time, delay time.Duration) (int, error) {
	var (
		total int
		errs  error
	)
	for _, slot := range s.Due(now, delay) {
		if err := ctx.Err(); err != nil {
			s.Mark(slot.Granularity, slot.Range.Start)
			errs = multierr.Append(errs, err)
			continue
		}

		n, err := c.RollupPass(ctx, slot.Granularity, slot.Range)
		total += n
		if err != nil {
			s.Mark(slot.Granularity, slot.Range.Start)
			errs = multierr.Append(errs, err)
			c.log.Error("rollup pass failed", zap.Stringer("slot", slot), zap.Error(err))
		}
	}
	return total, errs
}
