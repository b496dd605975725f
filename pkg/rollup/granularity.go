package rollup

import (
	"fmt"
	"time"
)

// Granularity is the time-bucket width a rollup summarizes.
type Granularity string

const (
	GranularityFull  Granularity = "full" // raw data points, never bucketed
	Granularity5m    Granularity = "5m"
	Granularity20m   Granularity = "20m"
	Granularity60m   Granularity = "60m"
	Granularity240m  Granularity = "240m"
	Granularity1440m Granularity = "1440m"
)

// Granularities lists every granularity from finest to coarsest.
var Granularities = []Granularity{
	GranularityFull,
	Granularity5m,
	Granularity20m,
	Granularity60m,
	Granularity240m,
	Granularity1440m,
}

var widths = map[Granularity]time.Duration{
	GranularityFull:  0,
	Granularity5m:    5 * time.Minute,
	Granularity20m:   20 * time.Minute,
	Granularity60m:   time.Hour,
	Granularity240m:  4 * time.Hour,
	Granularity1440m: 24 * time.Hour,
}

// ParseGranularity returns the granularity with the given name.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if _, ok := widths[g]; !ok {
		return "", fmt.Errorf("unknown granularity %q", s)
	}
	return g, nil
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	_, ok := widths[g]
	return ok
}

// Duration returns the bucket width. Full resolution has width 0.
func (g Granularity) Duration() time.Duration {
	return widths[g]
}

func (g Granularity) index() int {
	for i, gr := range Granularities {
		if gr == g {
			return i
		}
	}
	return -1
}

// Coarser returns the next coarser granularity, false for the coarsest.
func (g Granularity) Coarser() (Granularity, bool) {
	i := g.index()
	if i < 0 || i == len(Granularities)-1 {
		return "", false
	}
	return Granularities[i+1], true
}

// Finer returns the next finer granularity, false for full resolution.
func (g Granularity) Finer() (Granularity, bool) {
	i := g.index()
	if i <= 0 {
		return "", false
	}
	return Granularities[i-1], true
}

// Snap rounds t down to the start of its bucket (UTC).
func (g Granularity) Snap(t time.Time) time.Time {
	d := g.Duration()
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}

// RangeFor returns the bucket that contains t.
func (g Granularity) RangeFor(t time.Time) Range {
	start := g.Snap(t)
	return Range{Start: start, Stop: start.Add(g.Duration())}
}

// Range is a half-open time interval [Start, Stop).
type Range struct {
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// Contains reports whether t falls within the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.Stop)
}

// IsZero reports whether the range is unset.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.Stop.IsZero()
}

// String implements fmt.Stringer
func (r Range) String() string {
	return r.Start.UTC().Format(time.RFC3339) + "/" + r.Stop.UTC().Format(time.RFC3339)
}

// Split breaks the range into consecutive buckets of granularity g.
// A partial bucket at either end is widened to the full bucket.
func (r Range) Split(g Granularity) []Range {
	d := g.Duration()
	if d == 0 || !r.Start.Before(r.Stop) {
		return nil
	}

	var out []Range
	for start := g.Snap(r.Start); start.Before(r.Stop); start = start.Add(d) {
		out = append(out, Range{Start: start, Stop: start.Add(d)})
	}
	return out
}
