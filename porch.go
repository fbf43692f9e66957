// Package porch is the Go client for the Porch neighborhood app's hosted
// backend: a managed relational store, a realtime publish/subscribe broker,
// and the coordination logic that keeps conversations, typing indicators,
// call logs, and notifications consistent over an unreliable mobile network.
//
// Example:
//
//	client := porch.NewClient("pk-porch-...", porch.WithBaseURL("https://api.porch.app"))
//
//	// Store access
//	rows, _ := client.Select(ctx, "call_logs", porch.Filter{"receiver_id": userID})
//
//	// Realtime
//	broker := porch.NewWSBroker(client.BaseURL(), client.Token(), nil)
//	monitor := porch.NewMonitor(broker, porch.WithMonitorLogger(logger))
package porch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the production Porch backend.
	DefaultBaseURL = "https://api.porch.app"
	// DefaultTimeout bounds each store request.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is an HTTP client for the hosted relational store. It implements
// the Store contract used by the call-log reconciler and the notification
// engine's display-data fetches.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the backend base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger. Default is a no-op logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a store client. token is the session token issued by the
// hosted auth service; pass "" for anonymous access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the session token, e.g. after a refresh.
func (c *Client) SetToken(token string) { c.token = token }

// Token returns the current session token.
func (c *Client) Token() string { return c.token }

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Logger returns the client's logger for components that share it.
func (c *Client) Logger() zerolog.Logger { return c.log }

// ============================================================================
// Internal request helper
// ============================================================================

// storeResult is the wire envelope for store responses.
type storeResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) doStore(ctx context.Context, method, path string, body any, query map[string]string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result storeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "UNKNOWN", Message: "store request failed"}
	}
	return result.Data, nil
}

func filterQuery(filter Filter) map[string]string {
	if len(filter) == 0 {
		return nil
	}
	q := make(map[string]string, len(filter))
	for k, v := range filter {
		q[k] = fmt.Sprintf("eq.%v", v)
	}
	return q
}

// ============================================================================
// Store contract
// ============================================================================

// Select fetches rows from table matching the equality filter.
func (c *Client) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	data, err := c.doStore(ctx, "GET", "/db/"+table, nil, filterQuery(filter))
	if err != nil {
		return nil, err
	}
	var rows []Record
	if data != nil {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode rows: %w", err)
		}
	}
	return rows, nil
}

// Insert creates one row and returns it as stored, including server-assigned
// columns such as "id".
func (c *Client) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	data, err := c.doStore(ctx, "POST", "/db/"+table, rec, nil)
	if err != nil {
		return nil, err
	}
	var row Record
	if data != nil {
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
	}
	return row, nil
}

// Update patches rows matching the filter and returns the updated rows.
func (c *Client) Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error) {
	data, err := c.doStore(ctx, "PATCH", "/db/"+table, patch, filterQuery(filter))
	if err != nil {
		return nil, err
	}
	var rows []Record
	if data != nil {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode rows: %w", err)
		}
	}
	return rows, nil
}

// Delete removes rows matching the filter.
func (c *Client) Delete(ctx context.Context, table string, filter Filter) error {
	_, err := c.doStore(ctx, "DELETE", "/db/"+table, nil, filterQuery(filter))
	return err
}

var _ Store = (*Client)(nil)
