package rollup

import (
	"fmt"
	"strconv"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// Stats is the statistics blob of a rollup.
// Sum and Count are kept instead of the average so rollups can be rolled up again.
type Stats struct {
	Sum   float64 `json:"sum"`
	Count uint64  `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Add folds a raw data point into the stats.
func (s *Stats) Add(v float64) {
	if s.Count == 0 || v < s.Min {
		s.Min = v
	}
	if s.Count == 0 || v > s.Max {
		s.Max = v
	}
	s.Sum += v
	s.Count++
}

// Merge folds another rollup into the stats.
func (s *Stats) Merge(o Stats) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 || o.Min < s.Min {
		s.Min = o.Min
	}
	if s.Count == 0 || o.Max > s.Max {
		s.Max = o.Max
	}
	s.Sum += o.Sum
	s.Count += o.Count
}

// Average calculates the mean value
func (s Stats) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// StatsFromMetric reads the stats of a stored metric.
// A raw point counts as a single sample; a rollup is decoded from its reserved labels.
func StatsFromMetric(m metrics.Metric) (Stats, error) {
	if m.Resolution() == metrics.ResolutionRaw {
		var s Stats
		s.Add(m.Value)
		return s, nil
	}

	var (
		s   Stats
		err error
	)
	if s.Sum, err = strconv.ParseFloat(m.Labels[metrics.SumLabel], 64); err != nil {
		return Stats{}, fmt.Errorf("rollup %s: bad sum: %w", m.Name, err)
	}
	if s.Count, err = strconv.ParseUint(m.Labels[metrics.CountLabel], 10, 64); err != nil {
		return Stats{}, fmt.Errorf("rollup %s: bad count: %w", m.Name, err)
	}
	if s.Min, err = strconv.ParseFloat(m.Labels[metrics.MinLabel], 64); err != nil {
		return Stats{}, fmt.Errorf("rollup %s: bad min: %w", m.Name, err)
	}
	if s.Max, err = strconv.ParseFloat(m.Labels[metrics.MaxLabel], 64); err != nil {
		return Stats{}, fmt.Errorf("rollup %s: bad max: %w", m.Name, err)
	}
	return s, nil
}

func (s Stats) labels(into map[string]string) {
	into[metrics.SumLabel] = strconv.FormatFloat(s.Sum, 'g', -1, 64)
	into[metrics.CountLabel] = strconv.FormatUint(s.Count, 10)
	into[metrics.MinLabel] = strconv.FormatFloat(s.Min, 'g', -1, 64)
	into[metrics.MaxLabel] = strconv.FormatFloat(s.Max, 'g', -1, 64)
}
