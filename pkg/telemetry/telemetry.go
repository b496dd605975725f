// Package telemetry holds the Prometheus collectors of the rollup pipeline.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollupd"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Batch writer
	BatchesSubmitted *prometheus.CounterVec
	BatchSize        prometheus.Histogram
	PoolInspections  prometheus.Counter
	QueueDepth       prometheus.Gauge
	SubmitFailures   prometheus.Counter
	WritesPersisted  prometheus.Counter
	WriteFailures    prometheus.Counter
	WriteDuration    prometheus.Histogram

	// Worker pool
	PoolActive   prometheus.Gauge
	PoolRejected prometheus.Counter
	PoolPanics   prometheus.Counter

	// Rollups
	RollupsWritten     *prometheus.CounterVec
	RollupPassDuration *prometheus.HistogramVec
	EventsEmitted      *prometheus.CounterVec
	ListenerErrors     *prometheus.CounterVec

	// Ingestion
	MetricsIngested prometheus.Counter
	MetricsRejected *prometheus.CounterVec
	MetricsDelayed  prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		BatchesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Batch write jobs submitted to the worker pool, by reason",
		}, []string{"reason"}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Rollups per submitted batch",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		}),
		PoolInspections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_inspections_total",
			Help:      "Worker pool saturation checks made by the batch writer",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_depth",
			Help:      "Rollups waiting in the batch writer queue",
		}),
		SubmitFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_submit_failures_total",
			Help:      "Batches rejected by the worker pool",
		}),
		WritesPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_writes_total",
			Help:      "Rollups persisted to storage",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_write_failures_total",
			Help:      "Batch writes that failed in storage",
		}),
		WriteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_write_duration_seconds",
			Help:      "Time to persist one batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		PoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_workers",
			Help:      "Workers currently running a job",
		}),
		PoolRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejected_total",
			Help:      "Jobs rejected because the pool was closed",
		}),
		PoolPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_panics_total",
			Help:      "Jobs that panicked",
		}),
		RollupsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollups_generated_total",
			Help:      "Rollups generated by rollup passes",
		}, []string{"granularity"}),
		RollupPassDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollup_pass_duration_seconds",
			Help:      "Duration of a rollup pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"granularity"}),
		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted, by event name",
		}, []string{"event"}),
		ListenerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Emit calls where at least one listener failed",
		}, []string{"event"}),
		MetricsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_ingested_total",
			Help:      "Metrics accepted by the ingest endpoints",
		}),
		MetricsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_rejected_total",
			Help:      "Metrics rejected by validation, by reason",
		}, []string{"reason"}),
		MetricsDelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_delayed_total",
			Help:      "Accepted metrics whose collection time was already late",
		}),
	}
}

// Handler serves the metrics in reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// BatchSubmitted records a batch handed to the worker pool.
func (m *Metrics) BatchSubmitted(reason string, size int) {
	if m == nil {
		return
	}
	m.BatchesSubmitted.WithLabelValues(reason).Inc()
	m.BatchSize.Observe(float64(size))
}

// Inspected records one pool saturation check.
func (m *Metrics) Inspected() {
	if m == nil {
		return
	}
	m.PoolInspections.Inc()
}

// SetQueueDepth records the current batch writer queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SubmitFailed records a batch the pool refused.
func (m *Metrics) SubmitFailed() {
	if m == nil {
		return
	}
	m.SubmitFailures.Inc()
}

// BatchWritten records the outcome of a batch write job.
func (m *Metrics) BatchWritten(size int, seconds float64, err error) {
	if m == nil {
		return
	}
	m.WriteDuration.Observe(seconds)
	if err != nil {
		m.WriteFailures.Inc()
		return
	}
	m.WritesPersisted.Add(float64(size))
}

// PoolActiveDelta adjusts the active worker gauge.
func (m *Metrics) PoolActiveDelta(d int) {
	if m == nil {
		return
	}
	m.PoolActive.Add(float64(d))
}

// Rejected records a job the pool did not accept.
func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.PoolRejected.Inc()
}

// Panicked records a job that panicked.
func (m *Metrics) Panicked() {
	if m == nil {
		return
	}
	m.PoolPanics.Inc()
}

// RollupPass records a finished rollup pass.
func (m *Metrics) RollupPass(granularity string, written int, seconds float64) {
	if m == nil {
		return
	}
	m.RollupsWritten.WithLabelValues(granularity).Add(float64(written))
	m.RollupPassDuration.WithLabelValues(granularity).Observe(seconds)
}

// Emitted records one Emit call and whether any listener failed.
func (m *Metrics) Emitted(event string, err error) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(event).Inc()
	if err != nil {
		m.ListenerErrors.WithLabelValues(event).Inc()
	}
}

// Ingested records accepted, rejected and delayed metrics of one request.
func (m *Metrics) Ingested(accepted, delayed int) {
	if m == nil {
		return
	}
	m.MetricsIngested.Add(float64(accepted))
	m.MetricsDelayed.Add(float64(delayed))
}

// IngestRejected records metrics dropped by validation.
func (m *Metrics) IngestRejected(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MetricsRejected.WithLabelValues(reason).Add(float64(n))
}
