// Package client sends metrics to a rollupd server.
//
// A Client posts one request per Send. A Batcher buffers metrics and sends
// them in the background, either when the buffer fills or on a timer.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicktill/rollupd/pkg/httpx"
	"github.com/nicktill/rollupd/pkg/ingest"
)

// Sender delivers a batch of metrics.
type Sender interface {
	Send(ctx context.Context, ms []ingest.JSONMetric) error
}

// RequestError is returned when the server rejects a request.
type RequestError struct {
	Status  int
	Message string
	// One entry per rejected metric, when the server reported them
	Details []string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("rollupd returned %d", e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Client posts metrics for one tenant.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client posting to baseURL for tenant. An empty tenant
// uses the multi-tenant endpoint, where every metric names its tenant.
func New(baseURL, tenant string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	path := "/v2.0/ingest/multi"
	if tenant != "" {
		if err := ingest.ValidateTenant(tenant); err != nil {
			return nil, err
		}
		path = "/v2.0/" + url.PathEscape(tenant) + "/ingest"
	}

	c := &Client{
		endpoint: strings.TrimRight(base.String(), "/") + path,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts the metrics in one request.
func (c *Client) Send(ctx context.Context, ms []ingest.JSONMetric) error {
	if len(ms) == 0 {
		return nil
	}

	body, err := json.Marshal(ms)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	reqErr := &RequestError{Status: resp.StatusCode}
	var er httpx.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		reqErr.Message = er.Message
		reqErr.Details = er.Details
	}
	return reqErr
}

// Retryable reports whether err is worth sending again. Rejected metrics
// are not; server and network failures are.
func Retryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status >= 500
	}
	return err != nil && !errors.Is(err, context.Canceled)
}
