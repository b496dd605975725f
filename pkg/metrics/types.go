package metrics

import (
	"sort"
	"strings"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
	RollupType    MetricType = "rollup"
)

// Reserved labels. Labels starting with "__" never reach user-facing output.
const (
	ResolutionLabel = "__resolution__"
	SumLabel        = "__sum__"
	CountLabel      = "__count__"
	MinLabel        = "__min__"
	MaxLabel        = "__max__"
)

// ResolutionRaw is the resolution of data points that have not been rolled up.
// Raw metrics carry no resolution label at all.
const ResolutionRaw = "full"

// Metric represents a single metric data point
type Metric struct {
	Tenant    string            `json:"tenant,omitempty"`
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	TTL       time.Duration     `json:"ttl,omitempty"`
}

// Locator uniquely identifies a time series within a tenant.
type Locator string

// NewLocator joins tenant and metric name the way locators are printed: "tenant.metric.name".
func NewLocator(tenant, name string) Locator {
	if tenant == "" {
		return Locator(name)
	}
	return Locator(tenant + "." + name)
}

// String implements fmt.Stringer
func (l Locator) String() string { return string(l) }

// Tenant returns the tenant part of the locator.
func (l Locator) Tenant() string {
	tenant, _, found := strings.Cut(string(l), ".")
	if !found {
		return ""
	}
	return tenant
}

// Locator returns the locator of the series this metric belongs to.
func (m Metric) Locator() Locator {
	return NewLocator(m.Tenant, m.Name)
}

// Resolution returns the rollup resolution of the metric, or ResolutionRaw.
func (m Metric) Resolution() string {
	if r, ok := m.Labels[ResolutionLabel]; ok {
		return r
	}
	return ResolutionRaw
}

// SeriesKey creates a deterministic string key for a series.
// The resolution label is part of the key so every resolution is its own
// series; the other reserved labels hold values and are left out.
func SeriesKey(tenant, name string, labels map[string]string) string {
	var b strings.Builder
	if tenant != "" {
		b.WriteString(tenant)
		b.WriteByte('.')
	}
	b.WriteString(name)

	if len(labels) > 0 {
		keys := make([]string, 0, len(labels))
		for k := range labels {
			if strings.HasPrefix(k, "__") && k != ResolutionLabel {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			b.WriteByte(',')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(labels[k])
		}
	}
	return b.String()
}

// UserLabels returns a copy of the labels without reserved entries.
func UserLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if strings.HasPrefix(k, "__") {
			continue
		}
		out[k] = v
	}
	return out
}
