package compaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/batchwriter"
	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/pool"
	"github.com/nicktill/rollupd/pkg/rollup"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/storage/memory"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newPool(t *testing.T) *pool.Pool {
	t.Helper()
	p, err := pool.New(2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

// eventLog collects emitted rollup events.
type eventLog struct {
	mu     sync.Mutex
	events []rollup.RollupEvent
	calls  int
	delay  time.Duration
}

func (l *eventLog) Call(events ...rollup.RollupEvent) error {
	time.Sleep(l.delay)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.events = append(l.events, events...)
	return nil
}

func (l *eventLog) get() []rollup.RollupEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]rollup.RollupEvent, len(l.events))
	copy(out, l.events)
	return out
}

func queryResolution(t *testing.T, store storage.Storage, res string) []metrics.Metric {
	t.Helper()
	out, err := store.Query(context.Background(), storage.QueryRequest{
		Start:      baseTime.Add(-48 * time.Hour),
		End:        baseTime.Add(48 * time.Hour),
		Resolution: res,
	})
	require.NoError(t, err)
	return out
}

func TestRollupPass_BasicAggregation(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	raw := []metrics.Metric{
		{Tenant: "acme", Name: "cpu", Value: 10, Timestamp: baseTime},
		{Tenant: "acme", Name: "cpu", Value: 20, Timestamp: baseTime.Add(1 * time.Minute)},
		{Tenant: "acme", Name: "cpu", Value: 30, Timestamp: baseTime.Add(2 * time.Minute)},
		{Tenant: "acme", Name: "cpu", Value: 40, Timestamp: baseTime.Add(3 * time.Minute)},
	}
	require.NoError(t, store.Write(ctx, raw))

	events := emitter.New[rollup.RollupEvent]()
	log := &eventLog{}
	events.On(rollup.EventName, log)

	c := New(store, newPool(t), events)
	rng := rollup.Range{Start: baseTime.Add(-time.Hour), Stop: baseTime.Add(time.Hour)}

	n, err := c.RollupPass(ctx, rollup.Granularity5m, rng)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rollups := queryResolution(t, store, "5m")
	require.Len(t, rollups, 1)
	assert.Equal(t, 25.0, rollups[0].Value)
	assert.Equal(t, baseTime, rollups[0].Timestamp)

	stats, err := rollup.StatsFromMetric(rollups[0])
	require.NoError(t, err)
	assert.Equal(t, rollup.Stats{Sum: 100, Count: 4, Min: 10, Max: 40}, stats)

	// raw data is untouched
	assert.Len(t, queryResolution(t, store, metrics.ResolutionRaw), 4)

	got := log.get()
	require.Len(t, got, 1)
	assert.Equal(t, metrics.Locator("acme.cpu"), got[0].Locator)
	assert.Equal(t, rollup.Granularity5m, got[0].Granularity)
	assert.Equal(t, stats, got[0].Payload)
}

func TestRollupPass_MultipleSeriesAndBuckets(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	raw := []metrics.Metric{
		{Name: "requests", Value: 100, Labels: map[string]string{"endpoint": "/api/users"}, Timestamp: baseTime},
		{Name: "requests", Value: 200, Labels: map[string]string{"endpoint": "/api/orders"}, Timestamp: baseTime},
		{Name: "requests", Value: 50, Labels: map[string]string{"endpoint": "/api/users"}, Timestamp: baseTime.Add(7 * time.Minute)},
	}
	require.NoError(t, store.Write(ctx, raw))

	c := New(store, newPool(t), nil)
	n, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	users, err := store.Query(ctx, storage.QueryRequest{
		Start:      baseTime,
		End:        baseTime.Add(time.Hour),
		Resolution: "5m",
		Labels:     map[string]string{"endpoint": "/api/users"},
	})
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestRollupPass_CoarserFromRollups(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	// 24 points, one per 2.5 minutes, values 1..24 over one hour
	var raw []metrics.Metric
	for i := 0; i < 24; i++ {
		raw = append(raw, metrics.Metric{
			Name:      "latency",
			Value:     float64(i + 1),
			Timestamp: baseTime.Add(time.Duration(i) * 150 * time.Second),
		})
	}
	require.NoError(t, store.Write(ctx, raw))

	c := New(store, newPool(t), nil)
	hour := rollup.Range{Start: baseTime, Stop: baseTime.Add(time.Hour)}

	n, err := c.RollupPass(ctx, rollup.Granularity5m, hour)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = c.RollupPass(ctx, rollup.Granularity20m, hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.RollupPass(ctx, rollup.Granularity60m, hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hourly := queryResolution(t, store, "60m")
	require.Len(t, hourly, 1)
	stats, err := rollup.StatsFromMetric(hourly[0])
	require.NoError(t, err)
	assert.Equal(t, rollup.Stats{Sum: 300, Count: 24, Min: 1, Max: 24}, stats)
	assert.Equal(t, 12.5, hourly[0].Value)
}

func TestRollupPass_Idempotent(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []metrics.Metric{
		{Name: "cpu", Value: 1, Timestamp: baseTime},
		{Name: "cpu", Value: 3, Timestamp: baseTime.Add(time.Minute)},
	}))

	c := New(store, newPool(t), nil)
	rng := rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)}
	for i := 0; i < 3; i++ {
		_, err := c.RollupPass(ctx, rollup.Granularity5m, rng)
		require.NoError(t, err)
	}

	rollups := queryResolution(t, store, "5m")
	require.Len(t, rollups, 1)
	assert.Equal(t, 2.0, rollups[0].Value)
}

func TestRollupPass_ManyBatches(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	var raw []metrics.Metric
	for i := 0; i < 250; i++ {
		raw = append(raw, metrics.Metric{
			Name:      "series",
			Labels:    map[string]string{"id": string(rune('A' + i%26)), "n": time.Duration(i).String()},
			Value:     float64(i),
			Timestamp: baseTime,
		})
	}
	require.NoError(t, store.Write(ctx, raw))

	log := &eventLog{}
	events := emitter.New[rollup.RollupEvent]()
	events.On(rollup.EventName, log)

	c := New(store, newPool(t), events, WithBatchConfig(batchwriter.Config{MinBatchSize: 5, MaxBatchSize: 20}))
	n, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Len(t, queryResolution(t, store, "5m"), 250)
	assert.Len(t, log.get(), 250)
}

func TestRollupPass_SlowListenerCalledOncePerPass(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	var raw []metrics.Metric
	for i := 0; i < 300; i++ {
		raw = append(raw, metrics.Metric{
			Name:      "series",
			Labels:    map[string]string{"n": time.Duration(i).String()},
			Value:     float64(i),
			Timestamp: baseTime,
		})
	}
	require.NoError(t, store.Write(ctx, raw))

	slow := &eventLog{delay: 50 * time.Millisecond}
	events := emitter.New[rollup.RollupEvent]()
	events.On(rollup.EventName, slow)

	c := New(store, newPool(t), events)
	start := time.Now()
	n, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)})
	require.NoError(t, err)

	assert.Equal(t, 300, n)
	assert.Equal(t, 1, slow.calls)
	assert.Len(t, slow.get(), 300)
	// one listener delay per pass, not one per rollup
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRollupPass_EmptyRange(t *testing.T) {
	store := memory.New()
	defer store.Close()

	c := New(store, newPool(t), nil)
	n, err := c.RollupPass(context.Background(), rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRollupPass_RejectsFullGranularity(t *testing.T) {
	c := New(memory.New(), newPool(t), nil)
	_, err := c.RollupPass(context.Background(), rollup.GranularityFull, rollup.Range{})
	require.Error(t, err)
}

// failingStore fails every write.
type failingStore struct {
	*memory.Storage
	err error
}

func (f *failingStore) Write(ctx context.Context, batch []metrics.Metric) error {
	if len(batch) > 0 && batch[0].Resolution() != metrics.ResolutionRaw {
		return f.err
	}
	return f.Storage.Write(ctx, batch)
}

func TestRollupPass_WriteFailure(t *testing.T) {
	storeErr := errors.New("disk full")
	store := &failingStore{Storage: memory.New(), err: storeErr}
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, []metrics.Metric{{Name: "cpu", Value: 1, Timestamp: baseTime}}))

	log := &eventLog{}
	events := emitter.New[rollup.RollupEvent]()
	events.On(rollup.EventName, log)

	c := New(store, newPool(t), events)
	n, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)})
	require.ErrorIs(t, err, storeErr)
	assert.Equal(t, 0, n)
	assert.Empty(t, log.get())
}

// rejectingExecutor refuses every job.
type rejectingExecutor struct{}

func (rejectingExecutor) Submit(func()) error { return pool.ErrClosed }
func (rejectingExecutor) ActiveCount() int    { return 0 }
func (rejectingExecutor) Capacity() int       { return 1 }

func TestRollupPass_SubmitFailureDoesNotHang(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var raw []metrics.Metric
	for i := 0; i < 12; i++ {
		raw = append(raw, metrics.Metric{Name: "m", Labels: map[string]string{"i": time.Duration(i).String()}, Timestamp: baseTime})
	}
	require.NoError(t, store.Write(ctx, raw))

	c := New(store, rejectingExecutor{}, nil)
	_, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)})
	require.ErrorIs(t, err, pool.ErrClosed)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCleanup(t *testing.T) {
	store := memory.New()
	defer store.Close()
	ctx := context.Background()
	now := baseTime

	require.NoError(t, store.Write(ctx, []metrics.Metric{
		{Name: "old", Value: 1, Timestamp: now.Add(-15 * 24 * time.Hour)},
		{Name: "new", Value: 1, Timestamp: now.Add(-time.Hour)},
		{Name: "old_rollup", Value: 1, Timestamp: now.Add(-20 * 24 * time.Hour),
			Labels: map[string]string{metrics.ResolutionLabel: "5m"}},
	}))

	c := New(store, newPool(t), nil)
	require.NoError(t, c.Cleanup(ctx, now))

	remaining, err := store.Query(ctx, storage.QueryRequest{Start: now.Add(-30 * 24 * time.Hour), End: now})
	require.NoError(t, err)
	names := make([]string, 0, len(remaining))
	for _, m := range remaining {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"new", "old_rollup"}, names)

	// zero retention disables cleanup
	c = New(store, newPool(t), nil, WithRetention(Retention{}))
	require.NoError(t, c.Cleanup(ctx, now.Add(100*24*time.Hour)))
	assert.Equal(t, 2, store.Len())
}

func TestRollupTTL(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.Write(ctx, []metrics.Metric{{Name: "cpu", Value: 1, Timestamp: baseTime}}))

	c := New(store, newPool(t), nil)
	_, err := c.RollupPass(ctx, rollup.Granularity5m, rollup.Range{Start: baseTime, Stop: baseTime.Add(5 * time.Minute)})
	require.NoError(t, err)

	rollups := queryResolution(t, store, "5m")
	require.Len(t, rollups, 1)
	assert.Equal(t, DefaultRetention().TTLs[rollup.Granularity5m], rollups[0].TTL)
}
