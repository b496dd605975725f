package ingest

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/httpx"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/rollup"
	"github.com/nicktill/rollupd/pkg/storage"
)

const (
	metricsListLimit      = 10000
	metricsListTimeWindow = 24 * time.Hour
)

// MetricsListResponse returns available metric names
type MetricsListResponse struct {
	Metrics []string `json:"metrics"`
	Count   int      `json:"count"`
}

// ViewResponse is the data of one metric at one resolution.
type ViewResponse struct {
	Metric     string       `json:"metric"`
	Resolution string       `json:"resolution"`
	Series     []SeriesData `json:"series"`
	Count      int          `json:"count"`
}

// SeriesData represents a single time series
type SeriesData struct {
	Labels map[string]string `json:"labels,omitempty"`
	Unit   string            `json:"unit,omitempty"`
	Values []Point           `json:"values"`
}

// Point is one data point or rollup. Timestamp is in milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	NumPoints uint64  `json:"numPoints"`
	Average   float64 `json:"average"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Sum       float64 `json:"sum"`
}

func pointFromStats(ts int64, s rollup.Stats) Point {
	return Point{
		Timestamp: ts,
		NumPoints: s.Count,
		Average:   s.Average(),
		Min:       s.Min,
		Max:       s.Max,
		Sum:       s.Sum,
	}
}

func (p Point) stats() rollup.Stats {
	return rollup.Stats{Sum: p.Sum, Count: p.NumPoints, Min: p.Min, Max: p.Max}
}

// HandleMetricsList returns the metric names a tenant wrote in the last 24h.
func (h *Handler) HandleMetricsList(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenantId"]
	if err := ValidateTenant(tenant); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	now := h.now()
	results, err := h.storage.Query(ctx, storage.QueryRequest{
		Start:      now.Add(-metricsListTimeWindow),
		End:        now,
		Tenant:     tenant,
		Resolution: metrics.ResolutionRaw,
		Limit:      metricsListLimit,
	})
	if err != nil {
		h.log.Error("metric list query failed", zap.String("tenant", tenant), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	set := make(map[string]struct{})
	for _, m := range results {
		set[m.Name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)

	httpx.RespondJSON(w, http.StatusOK, MetricsListResponse{Metrics: names, Count: len(names)})
}

// HandleView handles GET /v2.0/{tenantId}/views/{metricName}.
// from and to are epoch milliseconds. Either resolution names a granularity
// or points asks for roughly that many values and the granularity is chosen.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenant, name := vars["tenantId"], vars["metricName"]
	if err := ValidateTenant(tenant); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(name) > MaxMetricNameLength {
		httpx.RespondError(w, http.StatusBadRequest, ErrMetricNameTooLong)
		return
	}

	q := r.URL.Query()
	now := h.now()
	from, err := parseMillis(q.Get("from"), now.Add(-time.Hour))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
		return
	}
	to, err := parseMillis(q.Get("to"), now)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid to: %w", err))
		return
	}
	if !to.After(from) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "to must be after from")
		return
	}
	if to.Sub(from) > config.QueryMaxWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("query window too large (max %s)", config.QueryMaxWindow))
		return
	}

	gran, err := h.resolveGranularity(q.Get("resolution"), q.Get("points"), to.Sub(from))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	results, err := h.storage.Query(ctx, storage.QueryRequest{
		Start:       from,
		End:         to,
		Tenant:      tenant,
		MetricNames: []string{name},
		Resolution:  string(gran),
	})
	if err != nil {
		h.log.Error("view query failed", zap.String("metric", name), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query failed: %w", err))
		return
	}

	resp, err := buildView(name, gran, results)
	if err != nil {
		h.log.Error("corrupt rollup", zap.String("metric", name), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) resolveGranularity(resolution, points string, window time.Duration) (rollup.Granularity, error) {
	if resolution != "" && points != "" {
		return "", fmt.Errorf("resolution and points are mutually exclusive")
	}
	if resolution != "" {
		return rollup.ParseGranularity(resolution)
	}

	n := config.QueryDefaultPoints
	if points != "" {
		parsed, err := strconv.Atoi(points)
		if err != nil {
			return "", fmt.Errorf("invalid points: %q is not an integer", points)
		}
		if parsed <= 0 || parsed > config.QueryMaxPoints {
			return "", fmt.Errorf("points must be between 1 and %d", config.QueryMaxPoints)
		}
		n = parsed
	}
	return GranularityForPoints(window, n), nil
}

// GranularityForPoints picks the granularity whose point count over window is
// closest to want on a log scale. Raw data is estimated at the finest bucket
// width, and ties go to the finer granularity.
func GranularityForPoints(window time.Duration, want int) rollup.Granularity {
	best := rollup.GranularityFull
	bestErr := math.Inf(1)
	for _, g := range rollup.Granularities {
		width := g.Duration()
		if width == 0 {
			width = rollup.Granularity5m.Duration()
		}
		got := float64(window) / float64(width)
		if got < 1 {
			got = 1
		}
		e := math.Abs(math.Log(float64(want)) - math.Log(got))
		if e < bestErr {
			best, bestErr = g, e
		}
	}
	return best
}

func buildView(name string, gran rollup.Granularity, results []metrics.Metric) (ViewResponse, error) {
	byKey := make(map[string]*SeriesData)
	var keys []string

	for _, m := range results {
		s, err := rollup.StatsFromMetric(m)
		if err != nil {
			return ViewResponse{}, err
		}
		labels := metrics.UserLabels(m.Labels)
		key := metrics.SeriesKey("", name, labels)

		series, ok := byKey[key]
		if !ok {
			series = &SeriesData{Labels: labels, Unit: m.Unit, Values: []Point{}}
			byKey[key] = series
			keys = append(keys, key)
		}
		series.Values = append(series.Values, pointFromStats(m.Timestamp.UnixMilli(), s))
	}
	sort.Strings(keys)

	resp := ViewResponse{Metric: name, Resolution: string(gran), Series: make([]SeriesData, 0, len(keys))}
	for _, k := range keys {
		series := byKey[k]
		sort.Slice(series.Values, func(i, j int) bool {
			return series.Values[i].Timestamp < series.Values[j].Timestamp
		})
		series.Values = downsamplePoints(series.Values, config.QueryMaxPoints)
		resp.Count += len(series.Values)
		resp.Series = append(resp.Series, *series)
	}
	return resp, nil
}

// downsamplePoints merges adjacent points so at most maxPoints remain.
// Each bucket keeps the timestamp of its first point.
func downsamplePoints(points []Point, maxPoints int) []Point {
	if len(points) <= maxPoints {
		return points
	}

	bucketSize := (len(points) + maxPoints - 1) / maxPoints
	out := make([]Point, 0, maxPoints)
	for i := 0; i < len(points); i += bucketSize {
		end := min(i+bucketSize, len(points))

		var s rollup.Stats
		for _, p := range points[i:end] {
			s.Merge(p.stats())
		}
		out = append(out, pointFromStats(points[i].Timestamp, s))
	}
	return out
}

func parseMillis(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not epoch milliseconds", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}
