package ingest

import (
	"sync"
	"time"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// CardinalityTracker tracks unique time series to enforce cardinality limits.
// Series not seen for seriesRetentionPeriod are forgotten so memory stays bounded.
type CardinalityTracker struct {
	mu sync.RWMutex

	// locator -> number of live series
	seriesCount map[metrics.Locator]int

	// series key -> last seen and owning locator
	seriesSeen map[string]seenSeries

	lastCleanup time.Time
	now         func() time.Time
}

type seenSeries struct {
	locator  metrics.Locator
	lastSeen time.Time
}

const (
	// Forget series not seen in the last 24 hours
	seriesRetentionPeriod = 24 * time.Hour

	cleanupInterval = 1 * time.Hour
)

// NewCardinalityTracker creates a new cardinality tracker
func NewCardinalityTracker() *CardinalityTracker {
	return newCardinalityTracker(time.Now)
}

func newCardinalityTracker(now func() time.Time) *CardinalityTracker {
	return &CardinalityTracker{
		seriesCount: make(map[metrics.Locator]int),
		seriesSeen:  make(map[string]seenSeries),
		lastCleanup: now(),
		now:         now,
	}
}

// Check validates that adding this metric won't exceed cardinality limits.
func (c *CardinalityTracker) Check(m metrics.Metric) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()

	if _, ok := c.seriesSeen[metrics.SeriesKey(m.Tenant, m.Name, m.Labels)]; ok {
		return nil
	}
	if len(c.seriesSeen) >= MaxUniqueSeries {
		return ErrCardinalityLimit
	}
	if c.seriesCount[m.Locator()] >= MaxSeriesPerMetric {
		return ErrMetricCardinalityLimit
	}
	return nil
}

// Record marks a metric's series as seen.
// Call it after Check passes and the metric is written.
func (c *CardinalityTracker) Record(m metrics.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := metrics.SeriesKey(m.Tenant, m.Name, m.Labels)
	loc := m.Locator()
	if _, existed := c.seriesSeen[key]; !existed {
		c.seriesCount[loc]++
	}
	c.seriesSeen[key] = seenSeries{locator: loc, lastSeen: c.now()}
}

// cleanupLocked forgets series idle for longer than seriesRetentionPeriod.
// Caller holds c.mu.
func (c *CardinalityTracker) cleanupLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-seriesRetentionPeriod)

	for key, s := range c.seriesSeen {
		if !s.lastSeen.Before(cutoff) {
			continue
		}
		delete(c.seriesSeen, key)
		if c.seriesCount[s.locator]--; c.seriesCount[s.locator] <= 0 {
			delete(c.seriesCount, s.locator)
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var maxLoc metrics.Locator
	var maxCount int
	for loc, count := range c.seriesCount {
		if count > maxCount || (count == maxCount && loc < maxLoc) {
			maxCount = count
			maxLoc = loc
		}
	}

	total := len(c.seriesSeen)
	return CardinalityStats{
		TotalSeries:     total,
		UniqueMetrics:   len(c.seriesCount),
		MaxSeriesMetric: maxLoc.String(),
		MaxSeriesCount:  maxCount,
		SeriesLimit:     MaxUniqueSeries,
		PerMetricLimit:  MaxSeriesPerMetric,
		UtilizationPct:  float64(total) / float64(MaxUniqueSeries) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries     int     `json:"total_series"`
	UniqueMetrics   int     `json:"unique_metrics"`
	MaxSeriesMetric string  `json:"max_series_metric"`
	MaxSeriesCount  int     `json:"max_series_count"`
	SeriesLimit     int     `json:"series_limit"`
	PerMetricLimit  int     `json:"per_metric_limit"`
	UtilizationPct  float64 `json:"utilization_percent"`
}
