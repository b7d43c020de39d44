// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package aibridge is a Go client for the aibridge gateway HTTP API. It
// covers request submission, result retrieval, streaming, and the
// read-only inspection endpoints.
package aibridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Client talks to a running gateway. The zero value is not usable; build
// one with New.
type Client struct {
	baseURL string
	hc      *http.Client
	key     string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. The default client
// has no timeout so long polls and streams are bounded by the caller's
// context instead.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithManagementKey attaches the management API key to every request,
// unlocking the /api/manage endpoints.
func WithManagementKey(key string) Option {
	return func(c *Client) { c.key = key }
}

// New creates a client for the gateway at baseURL, e.g.
// "http://127.0.0.1:8765".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (HTTP %d)", e.Message, e.StatusCode)
}

// AskOptions tune a submission. The zero value submits to the default
// provider with normal priority.
type AskOptions struct {
	// Provider routes the request: a provider name, or "@group" to fan
	// out to every member of a configured group.
	Provider string
	// Model overrides the provider's default model.
	Model string
	// Priority orders the queue; higher runs first.
	Priority int
	// Timeout bounds the backend execution, not the HTTP call.
	Timeout time.Duration
	// NoCache bypasses the response cache for this request.
	NoCache bool
	// Metadata is stored verbatim with the request record.
	Metadata map[string]any
}

// Submission is the gateway's acknowledgement of an accepted request.
type Submission struct {
	RequestIDs []string `json:"request_ids"`
	RequestID  string   `json:"request_id"`
	Status     string   `json:"status"`
	Group      string   `json:"group"`
	Count      int      `json:"count"`
	Cached     bool     `json:"cached"`
}

// Reply is the stored view of a request, terminal or not.
type Reply struct {
	RequestID    string         `json:"request_id"`
	Provider     string         `json:"provider"`
	ProviderUsed string         `json:"provider_used"`
	Model        string         `json:"model"`
	Status       string         `json:"status"`
	Success      bool           `json:"success"`
	Response     string         `json:"response"`
	Error        string         `json:"error"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	LatencyMS    int64          `json:"latency_ms"`
	Cached       bool           `json:"cached"`
	Attempts     int            `json:"attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  time.Time      `json:"completed_at"`
	RetrySummary map[string]any `json:"retry_summary"`
}

// Terminal reports whether the request has finished, one way or another.
func (r *Reply) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

type askBody struct {
	Provider string         `json:"provider,omitempty"`
	Message  string         `json:"message"`
	Model    string         `json:"model,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Timeout  float64        `json:"timeout,omitempty"`
	NoCache  bool           `json:"no_cache,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func buildAskBody(message string, opts *AskOptions) askBody {
	body := askBody{Message: message}
	if opts != nil {
		body.Provider = opts.Provider
		body.Model = opts.Model
		body.Priority = opts.Priority
		body.Timeout = opts.Timeout.Seconds()
		body.NoCache = opts.NoCache
		body.Metadata = opts.Metadata
	}
	return body
}

// Ask submits a message and returns immediately with the assigned request
// ids. Use Wait or AskStream to obtain the response.
func (c *Client) Ask(ctx context.Context, message string, opts *AskOptions) (*Submission, error) {
	var sub Submission
	if err := c.doJSON(ctx, http.MethodPost, "/api/ask", buildAskBody(message, opts), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Reply fetches the current state of a request without blocking.
func (c *Client) Reply(ctx context.Context, id string) (*Reply, error) {
	return c.reply(ctx, id, 0)
}

// Wait blocks until the request reaches a terminal status or timeout
// elapses, then returns the latest state. A non-terminal Reply after the
// full timeout is not an error; check Terminal.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (*Reply, error) {
	deadline := time.Now().Add(timeout)
	for {
		slice := time.Until(deadline)
		if slice <= 0 {
			return c.reply(ctx, id, 0)
		}
		// The server caps a single long poll; larger waits take several.
		if slice > 30*time.Second {
			slice = 30 * time.Second
		}
		rep, err := c.reply(ctx, id, slice)
		if err != nil {
			return nil, err
		}
		if rep.Terminal() {
			return rep, nil
		}
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return rep, nil
		}
	}
}

func (c *Client) reply(ctx context.Context, id string, wait time.Duration) (*Reply, error) {
	path := "/api/reply/" + url.PathEscape(id)
	if wait > 0 {
		path += "?wait=true&timeout=" + strconv.FormatFloat(wait.Seconds(), 'f', -1, 64)
	}
	var rep Reply
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Cancel stops a queued or running request. Cancelling an already
// finished request returns an APIError with status 404.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/request/"+url.PathEscape(id), nil, nil)
}

// RequestSummary is the list view of a stored request: previews instead
// of full bodies.
type RequestSummary struct {
	RequestID      string    `json:"request_id"`
	Provider       string    `json:"provider"`
	ProviderUsed   string    `json:"provider_used"`
	Status         string    `json:"status"`
	MessagePreview string    `json:"message_preview"`
	Success        bool      `json:"success"`
	Error          string    `json:"error"`
	LatencyMS      int64     `json:"latency_ms"`
	Cached         bool      `json:"cached"`
	Attempts       int       `json:"attempts"`
	Group          string    `json:"group"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListOptions filter the request listing.
type ListOptions struct {
	Status   string
	Provider string
	Limit    int
	Offset   int
}

// Requests lists stored requests, newest first.
func (c *Client) Requests(ctx context.Context, opts ListOptions) ([]RequestSummary, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Provider != "" {
		q.Set("provider", opts.Provider)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/requests"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Requests []RequestSummary `json:"requests"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// ProviderInfo merges a provider's configuration with its runtime
// reliability snapshot.
type ProviderInfo struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Enabled     bool           `json:"enabled"`
	Registered  bool           `json:"registered"`
	Model       string         `json:"model"`
	Fallbacks   []string       `json:"fallbacks"`
	Reliability map[string]any `json:"reliability"`
}

// Providers lists every configured provider.
func (c *Client) Providers(ctx context.Context) ([]ProviderInfo, error) {
	var out struct {
		Providers []ProviderInfo `json:"providers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/providers", nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// QueueStats is a point-in-time view of the request queue.
type QueueStats struct {
	Depth      int            `json:"depth"`
	Processing int            `json:"processing"`
	MaxSize    int            `json:"max_size"`
	ByProvider map[string]int `json:"by_provider"`
}

// Queue returns the current queue occupancy.
func (c *Client) Queue(ctx context.Context) (*QueueStats, error) {
	var qs QueueStats
	if err := c.doJSON(ctx, http.MethodGet, "/api/queue", nil, &qs); err != nil {
		return nil, err
	}
	return &qs, nil
}

// Health checks gateway liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil)
}

// doJSON performs one API round trip. A nil out discards the response
// body; a non-2xx status becomes an *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("aibridge: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("aibridge: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-Management-Key", c.key)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("aibridge: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aibridge: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("aibridge: decode response: %w", err)
	}
	return nil
}

// apiError extracts the gateway's error message, falling back to the raw
// body when it is not the usual JSON shape.
func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
