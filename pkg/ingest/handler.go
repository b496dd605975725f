// Package ingest accepts metrics over HTTP, validates them and hands them to
// storage and the rollup scheduler. It also serves rolled-up views and a
// websocket stream of rollup events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/httpx"
	"github.com/nicktill/rollupd/pkg/metrics"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

// Marker is told about every batch of raw metrics written, so the slots
// they fall into get rolled up.
type Marker interface {
	MarkMetrics(ms []metrics.Metric)
}

// StorageChecker refuses writes once the backend is out of space.
type StorageChecker interface {
	CheckLimit() error
}

// Handler serves the ingest and read API.
type Handler struct {
	storage     storage.Storage
	marker      Marker
	checker     StorageChecker
	cardinality *CardinalityTracker
	rules       Validation
	now         func() time.Time
	log         *zap.Logger
	metrics     *telemetry.Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithMarker sets where written metrics are reported for rollup scheduling.
func WithMarker(m Marker) Option {
	return func(h *Handler) { h.marker = m }
}

// WithStorageChecker rejects ingestion while the checker reports an error.
func WithStorageChecker(c StorageChecker) Option {
	return func(h *Handler) { h.checker = c }
}

// WithValidation overrides the collection time limits.
func WithValidation(v Validation) Option {
	return func(h *Handler) { h.rules = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMetrics records ingest counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a new ingest handler
func NewHandler(store storage.Storage, opts ...Option) *Handler {
	h := &Handler{
		storage:     store,
		cardinality: NewCardinalityTracker(),
		rules:       DefaultValidation(),
		now:         time.Now,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status  string `json:"status"`
	Count   int    `json:"count"`
	Ignored int    `json:"ignored,omitempty"`
	Delayed bool   `json:"delayed,omitempty"`
}

// Routes registers the API on r.
func (h *Handler) Routes(r *mux.Router) {
	v2 := r.PathPrefix("/v2.0").Subrouter()
	v2.HandleFunc("/ingest/multi", h.HandleIngestMulti).Methods(http.MethodPost)
	v2.HandleFunc("/{tenantId}/ingest", h.HandleIngest).Methods(http.MethodPost)
	v2.HandleFunc("/{tenantId}/metrics", h.HandleMetricsList).Methods(http.MethodGet)
	v2.HandleFunc("/{tenantId}/views/{metricName}", h.HandleView).Methods(http.MethodGet)
}

// Cardinality returns the series tracker.
func (h *Handler) Cardinality() *CardinalityTracker {
	return h.cardinality
}

// HandleIngest handles POST /v2.0/{tenantId}/ingest.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenantId"]
	if err := ValidateTenant(tenant); err != nil {
		h.reject(w, "tenant", 1, err)
		return
	}

	ms, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.ingest(w, r, NewContainer(tenant, ms, h.rules, h.now()))
}

// HandleIngestMulti handles POST /v2.0/ingest/multi, where every metric
// names its own tenant.
func (h *Handler) HandleIngestMulti(w http.ResponseWriter, r *http.Request) {
	ms, ok := h.decode(w, r)
	if !ok {
		return
	}
	h.ingest(w, r, NewScopedContainer(ms, h.rules, h.now()))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) ([]JSONMetric, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)

	var ms []JSONMetric
	if err := json.NewDecoder(r.Body).Decode(&ms); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, "too_large", 1, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		h.reject(w, "json", 1, fmt.Errorf("invalid JSON: %w", err))
		return nil, false
	}
	if len(ms) > MaxMetricsPerRequest {
		h.reject(w, "too_many", len(ms), fmt.Errorf("%w: got %d", ErrTooManyMetrics, len(ms)))
		return nil, false
	}
	return ms, true
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, c *Container) {
	if errs := c.ValidationErrors(); len(errs) > 0 {
		h.metrics.IngestRejected("collection_time", len(errs))
		h.log.Debug("rejected metrics", zap.Int("errors", len(errs)), zap.String("first", errs[0]))
		httpx.RespondErrors(w, http.StatusBadRequest, "invalid metrics", errs)
		return
	}

	ms := c.ToMetrics(h.now())
	for _, m := range ms {
		if err := ValidateMetric(m); err != nil {
			h.reject(w, "invalid", 1, fmt.Errorf("invalid metric: %w", err))
			return
		}
		if err := h.cardinality.Check(m); err != nil {
			h.reject(w, "cardinality", 1, err)
			return
		}
	}

	if len(ms) > 0 && h.checker != nil {
		if err := h.checker.CheckLimit(); err != nil {
			h.metrics.IngestRejected("storage_full", len(ms))
			h.log.Warn("ingestion refused", zap.Error(err))
			httpx.RespondError(w, http.StatusInsufficientStorage, err)
			return
		}
	}

	if len(ms) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
		defer cancel()

		if err := h.storage.Write(ctx, ms); err != nil {
			h.log.Error("failed to store metrics", zap.Int("count", len(ms)), zap.Error(err))
			httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("store metrics: %w", err))
			return
		}
		for _, m := range ms {
			h.cardinality.Record(m)
		}
		if h.marker != nil {
			h.marker.MarkMetrics(ms)
		}
	}

	delayed := 0
	if c.DelayedMetricsPresent() {
		delayed = len(ms)
		h.log.Debug("delayed metrics ingested", zap.Int("count", len(ms)))
	}
	h.metrics.Ingested(len(ms), delayed)

	httpx.RespondJSON(w, http.StatusOK, IngestResponse{
		Status:  "success",
		Count:   len(ms),
		Ignored: c.Ignored(),
		Delayed: c.DelayedMetricsPresent(),
	})
}

func (h *Handler) reject(w http.ResponseWriter, reason string, n int, err error) {
	h.metrics.IngestRejected(reason, n)
	h.log.Debug("rejected ingest request", zap.String("reason", reason), zap.Error(err))
	httpx.RespondError(w, http.StatusBadRequest, err)
}
