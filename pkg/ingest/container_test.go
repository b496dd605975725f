package ingest

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/rollupd/pkg/metrics"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func jsonMetric(name string, at time.Time, value string) JSONMetric {
	return JSONMetric{
		MetricName:     name,
		MetricValue:    json.RawMessage(value),
		CollectionTime: at.UnixMilli(),
		TTLInSeconds:   172800,
		Unit:           "seconds",
	}
}

func TestContainer_ValidMetrics(t *testing.T) {
	ms := []JSONMetric{
		jsonMetric("a.b.c", testNow, "1"),
		jsonMetric("a.b.d", testNow.Add(-time.Hour), "2.5"),
	}
	c := NewContainer("ac1", ms, DefaultValidation(), testNow)

	assert.Empty(t, c.ValidationErrors())

	out := c.ToMetrics(testNow)
	require.Len(t, out, 2)
	assert.Equal(t, metrics.NewLocator("ac1", "a.b.c"), out[0].Locator())
	assert.Equal(t, 1.0, out[0].Value)
	assert.Equal(t, "seconds", out[0].Unit)
	assert.Equal(t, 48*time.Hour, out[0].TTL)
	assert.True(t, out[0].Timestamp.Equal(testNow))
	assert.False(t, c.DelayedMetricsPresent())
}

func TestContainer_PastCollectionTime(t *testing.T) {
	rules := DefaultValidation()
	at := testNow.Add(-rules.PastLimit - time.Second)
	c := NewContainer("ac1", []JSONMetric{jsonMetric("cpu", at, "1")}, rules, testNow)

	errs := c.ValidationErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, fmt.Sprintf("'cpu' collectionTime '%d' is more than '259200000' milliseconds into the past.", at.UnixMilli()), errs[0])
}

func TestContainer_MissingCollectionTimeIsPast(t *testing.T) {
	m := jsonMetric("cpu", testNow, "1")
	m.CollectionTime = 0
	c := NewContainer("ac1", []JSONMetric{m}, DefaultValidation(), testNow)

	require.Len(t, c.ValidationErrors(), 1)
	assert.Contains(t, c.ValidationErrors()[0], "into the past.")
}

func TestContainer_FutureCollectionTime(t *testing.T) {
	rules := DefaultValidation()
	at := testNow.Add(rules.FutureLimit + time.Second)
	c := NewContainer("ac1", []JSONMetric{jsonMetric("cpu", at, "1")}, rules, testNow)

	errs := c.ValidationErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, fmt.Sprintf("'cpu' collectionTime '%d' is more than '600000' milliseconds into the future.", at.UnixMilli()), errs[0])
}

func TestContainer_OneErrorPerBadMetric(t *testing.T) {
	rules := DefaultValidation()
	ms := []JSONMetric{
		jsonMetric("ok", testNow, "1"),
		jsonMetric("past", testNow.Add(-rules.PastLimit-time.Hour), "1"),
		jsonMetric("future", testNow.Add(rules.FutureLimit+time.Hour), "1"),
	}
	c := NewContainer("ac1", ms, rules, testNow)

	assert.Len(t, c.ValidationErrors(), 2)
}

func TestContainer_DelayedMetrics(t *testing.T) {
	ms := []JSONMetric{
		jsonMetric("fresh", testNow, "1"),
		jsonMetric("late", testNow.Add(-10*time.Minute), "1"),
	}
	c := NewContainer("ac1", ms, DefaultValidation(), testNow)
	require.Empty(t, c.ValidationErrors())

	c.ToMetrics(testNow)
	assert.True(t, c.DelayedMetricsPresent())
}

func TestContainer_NullAndNonNumericValuesIgnored(t *testing.T) {
	ms := []JSONMetric{
		jsonMetric("null", testNow, "null"),
		jsonMetric("missing", testNow, ""),
		jsonMetric("string", testNow, `"Website is up"`),
		jsonMetric("big", testNow, "18446744073709000000"),
	}
	c := NewContainer("ac1", ms, DefaultValidation(), testNow)
	// string values are skipped, not rejected
	assert.Empty(t, c.ValidationErrors())

	out := c.ToMetrics(testNow)
	require.Len(t, out, 1)
	assert.Equal(t, "big", out[0].Name)
	assert.Equal(t, 18446744073709000000.0, out[0].Value)
	assert.Equal(t, 3, c.Ignored())
}

func TestContainer_Scoped(t *testing.T) {
	withTenant := jsonMetric("cpu", testNow, "1")
	withTenant.TenantID = "123"
	noTenant := jsonMetric("mem", testNow, "1")

	c := NewScopedContainer([]JSONMetric{withTenant, noTenant}, DefaultValidation(), testNow)
	assert.Equal(t, []string{"'mem' No tenantId is provided for the metric."}, c.ValidationErrors())

	c = NewScopedContainer([]JSONMetric{withTenant}, DefaultValidation(), testNow)
	out := c.ToMetrics(testNow)
	require.Len(t, out, 1)
	assert.Equal(t, "123", out[0].Tenant)
}

func TestTenantID_Unmarshal(t *testing.T) {
	var ms []JSONMetric
	body := `[{"tenantId": 123, "metricName": "a"}, {"tenantId": "abc", "metricName": "b"}, {"metricName": "c"}]`
	require.NoError(t, json.Unmarshal([]byte(body), &ms))

	assert.Equal(t, TenantID("123"), ms[0].TenantID)
	assert.Equal(t, TenantID("abc"), ms[1].TenantID)
	assert.Equal(t, TenantID(""), ms[2].TenantID)

	var bad JSONMetric
	assert.Error(t, json.Unmarshal([]byte(`{"tenantId": {}}`), &bad))
}
