package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/httpx"
	"github.com/nicktill/rollupd/pkg/ingest"
	"github.com/nicktill/rollupd/pkg/server/monitor"
	"github.com/nicktill/rollupd/pkg/storage"
	"github.com/nicktill/rollupd/pkg/telemetry"
)

// Version is reported by the health endpoint.
var Version = "dev"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Rollups monitor.RollupStatus `json:"rollups"`
}

// RollupQueueStatus reports pending rollup work.
type RollupQueueStatus struct {
	PendingSlots int `json:"pending_slots"`
	PoolActive   int `json:"pool_active"`
	PoolCapacity int `json:"pool_capacity"`
	PoolQueued   int `json:"pool_queued"`
}

// handleHealth returns service health status.
func handleHealth(rollups *monitor.RollupMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := rollups.Status()
		resp := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Rollups: status,
		}

		code := http.StatusOK
		if !status.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, code, resp)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(sm *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := sm.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  sm.GetLimit(),
		})
	}
}

// handleStats returns backend statistics.
func handleStats(store storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, stats)
	}
}

// handleCardinality returns series cardinality usage.
func handleCardinality(h *ingest.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, h.Cardinality().Stats())
	}
}

// handleRollupQueue reports slots waiting for a pass and writer pool load.
func handleRollupQueue(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, RollupQueueStatus{
			PendingSlots: a.Scheduler.Pending(),
			PoolActive:   a.Pool.Running(),
			PoolCapacity: a.Pool.Capacity(),
			PoolQueued:   a.Pool.Queued(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, a *App) {
	router.Use(corsMiddleware(a.Config.Server.Port))

	a.Ingest.Routes(router)
	router.HandleFunc("/v2.0/{tenantId}/events", a.Hub.HandleWebSocket).Methods(http.MethodGet)

	admin := router.PathPrefix("/v2.0/admin").Subrouter()
	admin.HandleFunc("/health", handleHealth(a.RollupMonitor)).Methods(http.MethodGet)
	admin.HandleFunc("/storage", handleStorageUsage(a.StorageMonitor)).Methods(http.MethodGet)
	admin.HandleFunc("/stats", handleStats(a.Store)).Methods(http.MethodGet)
	admin.HandleFunc("/cardinality", handleCardinality(a.Ingest)).Methods(http.MethodGet)
	admin.HandleFunc("/rollups", handleRollupQueue(a)).Methods(http.MethodGet)

	router.Handle("/metrics", telemetry.Handler(a.Registry)).Methods(http.MethodGet)
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
