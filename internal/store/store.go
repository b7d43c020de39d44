// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store persists gateway request lifecycles in SQLite or Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/traylinx/aibridge/internal/config"
)

// Status is a request's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Record is the persisted lifecycle of one gateway request, including the
// final result once the request reaches a terminal status.
type Record struct {
	ID       string `json:"request_id"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
	Model    string `json:"model,omitempty"`
	Status   Status `json:"status"`
	Priority int    `json:"priority,omitempty"`
	// Timeout is the per-attempt execution budget.
	Timeout     time.Duration  `json:"-"`
	NoCache     bool           `json:"no_cache,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`

	Success      bool           `json:"success"`
	Response     string         `json:"response,omitempty"`
	Error        string         `json:"error,omitempty"`
	ProviderUsed string         `json:"provider_used,omitempty"`
	InputTokens  int            `json:"input_tokens,omitempty"`
	OutputTokens int            `json:"output_tokens,omitempty"`
	LatencyMS    int64          `json:"latency_ms,omitempty"`
	Cached       bool           `json:"cached,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`
	RetrySummary map[string]any `json:"retry_summary,omitempty"`
}

// ListFilter narrows List results. A zero filter returns the most recent
// records across all providers and statuses.
type ListFilter struct {
	Status   Status
	Provider string
	// Limit defaults to 50 and is capped at 100.
	Limit  int
	Offset int
}

// ErrNotFound is returned when no record matches the requested id.
var ErrNotFound = errors.New("store: request not found")

// RequestStore persists request lifecycles. Implementations are safe for
// concurrent use.
type RequestStore interface {
	Initialize(ctx context.Context) error
	// Create inserts a new record; an empty status defaults to queued.
	Create(ctx context.Context, rec *Record) error
	// MarkProcessing stamps started_at and moves the record to processing.
	MarkProcessing(ctx context.Context, id string) error
	// MarkRetrying moves the record to retrying with the attempt count so far.
	MarkRetrying(ctx context.Context, id string, attempts int) error
	// Finish writes a terminal status plus the final result fields.
	Finish(ctx context.Context, rec *Record) error
	// Cancel marks a non-terminal record cancelled and reports whether it did.
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// Cleanup removes terminal records older than the given age.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Shutdown(ctx context.Context) error
}

// Open builds the store selected by the storage config. The sqlitePath is
// used for the sqlite backend; postgres connects via the configured DSN.
func Open(cfg config.StorageConfig, sqlitePath string) (RequestStore, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgres(cfg.DSN), nil
	case "sqlite", "":
		return NewSQLite(sqlitePath), nil
	default:
		return nil, errors.New("store: unknown backend " + cfg.Backend)
	}
}
