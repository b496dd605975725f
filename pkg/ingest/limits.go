package ingest

import (
	"fmt"
	"strings"

	"github.com/nicktill/rollupd/pkg/metrics"
)

// Cardinality and validation limits
const (
	// Per-metric limits
	MaxLabelsPerMetric  = 20
	MaxLabelKeyLength   = 256
	MaxLabelValueLength = 1024
	MaxMetricNameLength = 256
	MaxTenantLength     = 128

	// Global limits
	MaxUniqueSeries      = 100000
	MaxSeriesPerMetric   = 10000
	MaxMetricsPerRequest = 1000
)

var (
	// ErrTooManyLabels is returned when a metric has too many labels
	ErrTooManyLabels = fmt.Errorf("too many labels (max %d)", MaxLabelsPerMetric)

	// ErrLabelKeyTooLong is returned when a label key is too long
	ErrLabelKeyTooLong = fmt.Errorf("label key too long (max %d chars)", MaxLabelKeyLength)

	// ErrLabelValueTooLong is returned when a label value is too long
	ErrLabelValueTooLong = fmt.Errorf("label value too long (max %d chars)", MaxLabelValueLength)

	// ErrReservedLabel is returned for labels in the "__" namespace
	ErrReservedLabel = fmt.Errorf("label keys starting with %q are reserved", "__")

	// ErrMetricNameTooLong is returned when a metric name is too long
	ErrMetricNameTooLong = fmt.Errorf("metric name too long (max %d chars)", MaxMetricNameLength)

	// ErrMetricNameEmpty is returned when a metric name is empty
	ErrMetricNameEmpty = fmt.Errorf("metric name cannot be empty")

	// ErrTenantInvalid is returned for empty, overlong or dotted tenant ids
	ErrTenantInvalid = fmt.Errorf("tenant id must be 1-%d chars without '.'", MaxTenantLength)

	// ErrCardinalityLimit is returned when the total series limit is exceeded
	ErrCardinalityLimit = fmt.Errorf("cardinality limit exceeded (max %d unique series)", MaxUniqueSeries)

	// ErrMetricCardinalityLimit is returned when a single metric's series limit is exceeded
	ErrMetricCardinalityLimit = fmt.Errorf("metric cardinality limit exceeded (max %d series per metric)", MaxSeriesPerMetric)

	// ErrTooManyMetrics is returned when an ingest request contains too many metrics
	ErrTooManyMetrics = fmt.Errorf("too many metrics in request (max %d)", MaxMetricsPerRequest)
)

// ValidateTenant checks a tenant id. Tenants form the first segment of a
// locator, so they cannot contain dots.
func ValidateTenant(tenant string) error {
	if tenant == "" || len(tenant) > MaxTenantLength || strings.Contains(tenant, ".") {
		return fmt.Errorf("%w: %q", ErrTenantInvalid, tenant)
	}
	return nil
}

// ValidateMetric validates a metric against naming and label limits
func ValidateMetric(m metrics.Metric) error {
	if err := ValidateTenant(m.Tenant); err != nil {
		return err
	}

	if m.Name == "" {
		return ErrMetricNameEmpty
	}
	if len(m.Name) > MaxMetricNameLength {
		return fmt.Errorf("%w: %q has %d chars", ErrMetricNameTooLong, m.Name, len(m.Name))
	}

	if len(m.Labels) > MaxLabelsPerMetric {
		return fmt.Errorf("%w: metric %q has %d labels", ErrTooManyLabels, m.Name, len(m.Labels))
	}

	for k, v := range m.Labels {
		if strings.HasPrefix(k, "__") {
			return fmt.Errorf("%w: key %q in metric %q", ErrReservedLabel, k, m.Name)
		}
		if len(k) > MaxLabelKeyLength {
			return fmt.Errorf("%w: key %q in metric %q", ErrLabelKeyTooLong, k, m.Name)
		}
		if len(v) > MaxLabelValueLength {
			return fmt.Errorf("%w: value for key %q in metric %q", ErrLabelValueTooLong, k, m.Name)
		}
	}

	return nil
}
