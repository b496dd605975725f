package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/metrics"
)

// Validation holds the collection time limits applied to submitted metrics.
type Validation struct {
	// Collection times further in the past are rejected.
	PastLimit time.Duration
	// Collection times further in the future are rejected.
	FutureLimit time.Duration
	// Collection times older than this mark the request as delayed.
	DelayedAfter time.Duration
}

// DefaultValidation returns the default limits.
func DefaultValidation() Validation {
	return Validation{
		PastLimit:    config.CollectionPastLimit,
		FutureLimit:  config.CollectionFutureLimit,
		DelayedAfter: config.DelayedMetricsAfter,
	}
}

// TenantID accepts both string and numeric tenant ids.
type TenantID string

// UnmarshalJSON implements json.Unmarshaler.
func (t *TenantID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TenantID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tenantId must be a string or number: %w", err)
	}
	*t = TenantID(n.String())
	return nil
}

// JSONMetric is one submitted data point. CollectionTime is in milliseconds
// since the epoch.
type JSONMetric struct {
	TenantID       TenantID          `json:"tenantId,omitempty"`
	MetricName     string            `json:"metricName"`
	MetricValue    json.RawMessage   `json:"metricValue"`
	CollectionTime int64             `json:"collectionTime"`
	TTLInSeconds   int64             `json:"ttlInSeconds"`
	Unit           string            `json:"unit"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// numericValue returns the metric value, false for null and non-numeric values.
func (m JSONMetric) numericValue() (float64, bool) {
	raw := bytes.TrimSpace(m.MetricValue)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '"' {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Container validates a batch of submitted metrics and converts it to
// storage records. Scoped containers take the tenant from every metric,
// unscoped ones from the request path.
type Container struct {
	tenant  string
	scoped  bool
	metrics []JSONMetric
	rules   Validation

	errors  []string
	delayed bool
	ignored int
}

// NewContainer validates metrics submitted for tenant.
func NewContainer(tenant string, ms []JSONMetric, rules Validation, now time.Time) *Container {
	c := &Container{tenant: tenant, metrics: ms, rules: rules}
	c.validate(now)
	return c
}

// NewScopedContainer validates metrics that each name their own tenant.
func NewScopedContainer(ms []JSONMetric, rules Validation, now time.Time) *Container {
	c := &Container{scoped: true, metrics: ms, rules: rules}
	c.validate(now)
	return c
}

func (c *Container) validate(now time.Time) {
	nowMs := now.UnixMilli()
	pastMs := c.rules.PastLimit.Milliseconds()
	futureMs := c.rules.FutureLimit.Milliseconds()

	for _, m := range c.metrics {
		if c.scoped && m.TenantID == "" {
			c.errors = append(c.errors, fmt.Sprintf("'%s' No tenantId is provided for the metric.", m.MetricName))
			continue
		}
		if nowMs-m.CollectionTime > pastMs {
			c.errors = append(c.errors, fmt.Sprintf("'%s' collectionTime '%d' is more than '%d' milliseconds into the past.",
				m.MetricName, m.CollectionTime, pastMs))
			continue
		}
		if m.CollectionTime-nowMs > futureMs {
			c.errors = append(c.errors, fmt.Sprintf("'%s' collectionTime '%d' is more than '%d' milliseconds into the future.",
				m.MetricName, m.CollectionTime, futureMs))
		}
	}
}

// ValidationErrors returns one message per rejected metric.
func (c *Container) ValidationErrors() []string {
	return c.errors
}

// ToMetrics converts the submitted metrics. Null and non-numeric values are
// skipped. It also records whether any metric arrived delayed.
func (c *Container) ToMetrics(now time.Time) []metrics.Metric {
	delayedBefore := now.Add(-c.rules.DelayedAfter).UnixMilli()
	out := make([]metrics.Metric, 0, len(c.metrics))
	c.ignored = 0

	for _, m := range c.metrics {
		v, ok := m.numericValue()
		if !ok {
			c.ignored++
			continue
		}

		tenant := c.tenant
		if c.scoped {
			tenant = string(m.TenantID)
		}
		if m.CollectionTime < delayedBefore {
			c.delayed = true
		}

		unit := m.Unit
		if unit == "" {
			unit = "unknown"
		}

		out = append(out, metrics.Metric{
			Tenant:    tenant,
			Name:      m.MetricName,
			Type:      metrics.GaugeType,
			Value:     v,
			Unit:      unit,
			Labels:    m.Labels,
			Timestamp: time.UnixMilli(m.CollectionTime).UTC(),
			TTL:       time.Duration(m.TTLInSeconds) * time.Second,
		})
	}
	return out
}

// DelayedMetricsPresent reports whether ToMetrics saw a delayed metric.
func (c *Container) DelayedMetricsPresent() bool {
	return c.delayed
}

// Ignored returns the number of metrics ToMetrics skipped for their value.
func (c *Container) Ignored() int {
	return c.ignored
}
