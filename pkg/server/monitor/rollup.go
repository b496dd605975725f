package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/rollupd/pkg/config"
)

// RollupMonitor tracks the health of the periodic rollup passes.
type RollupMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastWritten       int

	staleAfter time.Duration
	maxErrors  int
	now        func() time.Time
}

// NewRollupMonitor creates a monitor with the default thresholds.
func NewRollupMonitor() *RollupMonitor {
	return &RollupMonitor{
		staleAfter: config.RollupStaleAfter,
		maxErrors:  config.RollupMaxRetries,
		now:        time.Now,
	}
}

// RecordSuccess records a successful run that wrote n rollups.
func (rm *RollupMonitor) RecordSuccess(n int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := rm.now()
	rm.lastSuccess = now
	rm.lastAttempt = now
	rm.consecutiveErrors = 0
	rm.lastError = ""
	rm.lastWritten = n
}

// RecordFailure records a failed run.
func (rm *RollupMonitor) RecordFailure(err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.lastAttempt = rm.now()
	rm.consecutiveErrors++
	if err != nil {
		rm.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the number of failures since the last success.
func (rm *RollupMonitor) ConsecutiveErrors() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.consecutiveErrors
}

// IsHealthy returns true if rollups are working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within the stale window
//   - More consecutive failures than allowed
func (rm *RollupMonitor) IsHealthy() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.healthyLocked()
}

func (rm *RollupMonitor) healthyLocked() bool {
	if rm.lastSuccess.IsZero() {
		return false
	}
	if rm.now().Sub(rm.lastSuccess) > rm.staleAfter {
		return false
	}
	return rm.consecutiveErrors <= rm.maxErrors
}

// RollupStatus is the rollup section of the health report.
type RollupStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastWritten       int    `json:"last_written"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current rollup status for health checks.
func (rm *RollupMonitor) Status() RollupStatus {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	status := RollupStatus{
		Healthy:     rm.healthyLocked(),
		LastWritten: rm.lastWritten,
	}
	if !rm.lastSuccess.IsZero() {
		status.LastSuccess = rm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = rm.now().Sub(rm.lastSuccess).String()
	}
	if !rm.lastAttempt.IsZero() {
		status.LastAttempt = rm.lastAttempt.Format(time.RFC3339)
	}
	if rm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = rm.consecutiveErrors
		status.LastError = rm.lastError
	}
	return status
}
