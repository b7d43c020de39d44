// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package backend executes single requests against concrete providers.
// Two implementations share one contract: ProcessBackend runs command-line
// AI tools as child processes, HTTPBackend calls REST model APIs. The retry
// executor drives either through the Backend interface without inspecting
// implementation fields.
package backend

import (
	"context"
	"time"
)

// Metadata keys set on results.
const (
	MetaExitCode       = "exit_code"
	MetaStrategy       = "strategy"
	MetaAuthRequired   = "auth_required"
	MetaAuthURL        = "auth_url"
	MetaLoginTerminal  = "login_terminal_opened"
	MetaHTTPStatus     = "http_status"
	MetaTimedOut       = "timed_out"
	MetaResolvedBinary = "resolved_binary"
)

// Request is one unit of work handed to a backend. The retry executor may
// rewrite Provider when falling back and raise Timeout after rate limits.
type Request struct {
	ID       string
	Provider string
	Model    string
	Message  string
	Timeout  time.Duration
	NoCache  bool
	Metadata map[string]any

	// Stream, when non-nil, receives output chunks as they arrive for
	// live progress reporting. Chunks are best-effort and unparsed.
	Stream func(chunk string)
}

// Result is the outcome of one execution attempt. It is created fresh per
// attempt and never mutated after return; retry bookkeeping wraps it instead
// of editing it.
type Result struct {
	Success      bool
	Response     string
	Error        string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	// Thinking carries the reasoning trace when the provider's output
	// protocol separates it from the answer.
	Thinking string
	// Raw preserves unprocessed output for diagnostics.
	Raw      string
	Metadata map[string]any
}

// Fail builds a failed result with the given error text.
func Fail(err string) *Result {
	return &Result{Success: false, Error: err, Metadata: map[string]any{}}
}

// OK builds a successful result with the given response text.
func OK(response string) *Result {
	return &Result{Success: true, Response: response, Metadata: map[string]any{}}
}

// SetMeta sets a metadata key, allocating the map on first use.
func (r *Result) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[key] = value
}

// MetaBool reads a boolean metadata key, defaulting to false.
func (r *Result) MetaBool(key string) bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata[key].(bool)
	return ok && v
}

// MetaString reads a string metadata key, defaulting to "".
func (r *Result) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	v, _ := r.Metadata[key].(string)
	return v
}

// AuthRequired reports whether this result signals an authentication
// failure needing user remediation.
func (r *Result) AuthRequired() bool {
	return r.MetaBool(MetaAuthRequired)
}

// Backend executes requests against one provider.
type Backend interface {
	// Execute runs one attempt. It may block up to the request timeout.
	// A non-nil Result is returned whenever an attempt actually ran.
	Execute(ctx context.Context, req *Request) (*Result, error)
	// HealthCheck is a cheap liveness probe. It must not hang on
	// slow-starting providers.
	HealthCheck(ctx context.Context) bool
	// Shutdown releases any held child process or network session.
	Shutdown()
}
