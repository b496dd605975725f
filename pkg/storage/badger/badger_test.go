package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/storage"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newInMemory(t *testing.T) *Storage {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func rollupPoint(name, res string, ts time.Time, value float64) metrics.Metric {
	return metrics.Metric{
		Tenant:    "acme",
		Name:      name,
		Type:      metrics.RollupType,
		Value:     value,
		Labels:    map[string]string{"host": "a", metrics.ResolutionLabel: res, metrics.CountLabel: "1"},
		Timestamp: ts,
	}
}

func TestBadgerStorage_WriteAndQuery(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []metrics.Metric{
		{Tenant: "acme", Name: "cpu", Value: 1, Labels: map[string]string{"host": "a"}, Timestamp: now},
		rollupPoint("cpu", "5m", now, 2),
		rollupPoint("cpu", "20m", now, 3),
	}))

	got, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(time.Minute), Resolution: "20m"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].Value)
	assert.Equal(t, "acme", got[0].Tenant)
	assert.True(t, now.Equal(got[0].Timestamp))

	raw, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(time.Minute), Resolution: metrics.ResolutionRaw})
	require.NoError(t, err)
	assert.Len(t, raw, 1)
}

func TestBadgerStorage_RewriteReplaces(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []metrics.Metric{rollupPoint("cpu", "5m", now, 1)}))
	updated := rollupPoint("cpu", "5m", now, 5)
	updated.Labels[metrics.CountLabel] = "4"
	require.NoError(t, store.Write(ctx, []metrics.Metric{updated}))

	got, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].Value)
	assert.Equal(t, "4", got[0].Labels[metrics.CountLabel])
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, []metrics.Metric{rollupPoint("disk", "60m", now, 42)}))
	require.NoError(t, store.Close())

	store, err = New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Query(ctx, storage.QueryRequest{Start: now.Add(-time.Hour), End: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 42.0, got[0].Value)
	assert.Equal(t, "60m", got[0].Resolution())
}

func TestBadgerStorage_DeleteRawOnly(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()
	old := now.Add(-30 * 24 * time.Hour)

	require.NoError(t, store.Write(ctx, []metrics.Metric{
		{Name: "cpu", Value: 1, Timestamp: old},
		{Name: "cpu", Value: 2, Timestamp: now},
		rollupPoint("cpu", "5m", old, 1),
	}))

	require.NoError(t, store.Delete(ctx, storage.DeleteOptions{Before: now.Add(-time.Hour), Resolution: metrics.ResolutionRaw}))

	got, err := store.Query(ctx, storage.QueryRequest{Start: old, End: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, m := range got {
		if m.Resolution() == metrics.ResolutionRaw {
			assert.True(t, now.Equal(m.Timestamp))
		}
	}

	require.NoError(t, store.Delete(ctx, storage.DeleteOptions{Before: now.Add(time.Hour)}))
	got, err = store.Query(ctx, storage.QueryRequest{Start: old, End: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBadgerStorage_TTL(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	short := rollupPoint("cpu", "5m", now, 1)
	short.TTL = time.Second
	keep := rollupPoint("cpu", "20m", now, 1)
	require.NoError(t, store.Write(ctx, []metrics.Metric{short, keep}))

	// badger TTLs have second granularity
	time.Sleep(2100 * time.Millisecond)

	got, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "20m", got[0].Resolution())
}

func TestBadgerStorage_Stats(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, []metrics.Metric{
		{Name: "a", Timestamp: now},
		{Name: "a", Timestamp: now.Add(time.Minute)},
		{Name: "b", Timestamp: now.Add(-time.Minute)},
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.TotalMetrics)
	assert.Equal(t, uint64(2), stats.TotalSeries)
	assert.True(t, now.Add(-time.Minute).Equal(stats.OldestMetric))
	assert.True(t, now.Add(time.Minute).Equal(stats.NewestMetric))
}

func TestBadgerStorage_LimitAndLargeWrite(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	batch := make([]metrics.Metric, 0, 2000)
	for i := 0; i < 2000; i++ {
		batch = append(batch, metrics.Metric{Name: fmt.Sprintf("m%d", i%50), Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	require.NoError(t, store.Write(ctx, batch))

	got, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(24 * time.Hour), Limit: 100})
	require.NoError(t, err)
	assert.Len(t, got, 100)

	all, err := store.Query(ctx, storage.QueryRequest{Start: now, End: now.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, all, 2000)
}

func TestBadgerStorage_ConcurrentWrites(t *testing.T) {
	store := newInMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, store.Write(ctx, []metrics.Metric{
					rollupPoint(fmt.Sprintf("series%d", g), "5m", now.Add(time.Duration(i)*5*time.Minute), float64(i)),
				}))
			}
		}(g)
	}
	wg.Wait()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), stats.TotalMetrics)
	assert.Equal(t, uint64(8), stats.TotalSeries)
}

func TestMakeKey(t *testing.T) {
	a := rollupPoint("cpu", "5m", now, 1)
	b := rollupPoint("cpu", "5m", now, 99)
	b.Labels[metrics.CountLabel] = "99"
	c := rollupPoint("cpu", "20m", now, 1)

	assert.Equal(t, makeKey(a), makeKey(b))
	assert.NotEqual(t, makeKey(a), makeKey(c))
	assert.True(t, now.Equal(keyTime(makeKey(a))))
	assert.True(t, keyTime([]byte{1, 2}).IsZero())
}
