// Package httpx provides JSON response helpers shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/logger"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L().Warn("failed to encode JSON response", zap.Int("status", status), zap.Error(err))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	RespondErrorString(w, status, err.Error())
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// RespondErrors writes an error response listing every problem found in the request.
func RespondErrors(w http.ResponseWriter, status int, message string, details []string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Details: details,
	})
}
