package compaction

import (
	"fmt"
	"time"

	"github.com/nicktill/rollupd/pkg/rollup"
)

// Slot is one bucket of one granularity that needs rolling up.
type Slot struct {
	Granularity rollup.Granularity
	Range       rollup.Range
}

// String implements fmt.Stringer
func (s Slot) String() string {
	return fmt.Sprintf("%s@%s", s.Granularity, s.Range)
}

// Retention controls how long each resolution is kept.
type Retention struct {
	// Raw data points older than this are deleted by Cleanup.
	Raw time.Duration
	// TTL applied to rollups of each granularity when written (0 = keep forever).
	TTLs map[rollup.Granularity]time.Duration
}

// DefaultRetention keeps raw data for 14 days and coarser rollups progressively longer.
func DefaultRetention() Retention {
	return Retention{
		Raw: 14 * 24 * time.Hour,
		TTLs: map[rollup.Granularity]time.Duration{
			rollup.Granularity5m:    30 * 24 * time.Hour,
			rollup.Granularity20m:   60 * 24 * time.Hour,
			rollup.Granularity60m:   90 * 24 * time.Hour,
			rollup.Granularity240m:  180 * 24 * time.Hour,
			rollup.Granularity1440m: 365 * 24 * time.Hour,
		},
	}
}
