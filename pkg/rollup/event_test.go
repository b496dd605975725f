package rollup

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/metrics"
)

func TestShardFor(t *testing.T) {
	loc := metrics.NewLocator("acme", "requests")
	shard := ShardFor(loc)
	assert.GreaterOrEqual(t, shard, 0)
	assert.Less(t, shard, NumShards)
	assert.Equal(t, shard, ShardFor(loc))

	used := map[int]bool{}
	for i := 0; i < 2000; i++ {
		used[ShardFor(metrics.NewLocator("t", string(rune('a'+i%26))+time.Duration(i).String()))] = true
	}
	assert.Greater(t, len(used), NumShards/2)
}

func TestNewRollupEvent(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	wc := &WriteContext{
		Tenant:      "acme",
		Name:        "latency",
		Unit:        "ms",
		Granularity: Granularity20m,
		Range:       Granularity20m.RangeFor(start),
		Stats:       Stats{Sum: 2, Count: 1, Min: 2, Max: 2},
	}

	ev := NewRollupEvent(wc)
	assert.Equal(t, wc.Locator(), ev.Locator)
	assert.Equal(t, Granularity20m, ev.Granularity)
	assert.Equal(t, ShardFor(wc.Locator()), ev.Shard)
	assert.Equal(t, wc.Stats, ev.Payload)
	assert.Equal(t, start, ev.Timestamp)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"granularity":"20m"`)
	assert.Contains(t, string(data), `"locator":"acme.latency"`)
}
