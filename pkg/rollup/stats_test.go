package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/metrics"
)

func TestStatsAddMerge(t *testing.T) {
	var a Stats
	for _, v := range []float64{4, -2, 10} {
		a.Add(v)
	}
	assert.Equal(t, Stats{Sum: 12, Count: 3, Min: -2, Max: 10}, a)
	assert.Equal(t, 4.0, a.Average())

	var b Stats
	b.Add(20)

	var total Stats
	total.Merge(a)
	total.Merge(b)
	total.Merge(Stats{})
	assert.Equal(t, Stats{Sum: 32, Count: 4, Min: -2, Max: 20}, total)

	assert.Equal(t, 0.0, Stats{}.Average())
}

func TestStatsFromMetric(t *testing.T) {
	raw := metrics.Metric{Name: "m", Value: 7, Timestamp: time.Now()}
	s, err := StatsFromMetric(raw)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sum: 7, Count: 1, Min: 7, Max: 7}, s)

	broken := metrics.Metric{Name: "m", Labels: map[string]string{
		metrics.ResolutionLabel: "5m",
		metrics.SumLabel:        "abc",
	}}
	_, err = StatsFromMetric(broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sum")
}
