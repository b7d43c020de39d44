// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	log "github.com/sirupsen/logrus"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	message TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_seconds REAL NOT NULL DEFAULT 0,
	no_cache INTEGER NOT NULL DEFAULT 0,
	metadata TEXT,
	created_at REAL NOT NULL,
	started_at REAL,
	completed_at REAL,
	success INTEGER NOT NULL DEFAULT 0,
	response TEXT,
	error TEXT,
	provider_used TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	cached INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	retry_summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	message TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	timeout_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	no_cache BOOLEAN NOT NULL DEFAULT FALSE,
	metadata TEXT,
	created_at DOUBLE PRECISION NOT NULL,
	started_at DOUBLE PRECISION,
	completed_at DOUBLE PRECISION,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	response TEXT,
	error TEXT,
	provider_used TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	cached BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INTEGER NOT NULL DEFAULT 0,
	retry_summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_provider ON requests(provider);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`

const recordColumns = `id, provider, message, model, status, priority, timeout_seconds,
	no_cache, metadata, created_at, started_at, completed_at, success, response, error,
	provider_used, input_tokens, output_tokens, latency_ms, cached, attempts, retry_summary`

// SQLStore implements RequestStore over database/sql. SQLite and Postgres
// share every statement; only placeholders and schema types differ.
type SQLStore struct {
	dialect dialect
	dsn     string

	mu      sync.RWMutex
	db      *sql.DB
	enabled bool
}

// NewSQLite creates a store backed by a SQLite file at path.
func NewSQLite(path string) *SQLStore {
	return &SQLStore{dialect: dialectSQLite, dsn: path}
}

// NewPostgres creates a store backed by Postgres at the given DSN.
func NewPostgres(dsn string) *SQLStore {
	return &SQLStore{dialect: dialectPostgres, dsn: dsn}
}

// Initialize opens the database and creates the requests table.
func (s *SQLStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return fmt.Errorf("store: database path cannot be empty")
	}

	var (
		db  *sql.DB
		err error
	)
	switch s.dialect {
	case dialectPostgres:
		db, err = sql.Open("pgx", s.dsn)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		db.SetMaxOpenConns(10)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("failed to reach postgres store: %w", err)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(s.dsn), 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
		db, err = sql.Open("sqlite3", s.dsn+"?_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		// SQLite works best with a single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.ExecContext(ctx, s.schema()); err != nil {
		db.Close()
		return fmt.Errorf("failed to create request schema: %w", err)
	}

	s.db = db
	s.enabled = true
	log.Infof("Request store initialized (%s)", s.backendName())
	return nil
}

func (s *SQLStore) schema() string {
	if s.dialect == dialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

func (s *SQLStore) backendName() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite: " + s.dsn
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) guard() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil, fmt.Errorf("store: not initialized")
	}
	return s.db, nil
}

// Create inserts a new record. An empty status defaults to queued and a
// zero creation time defaults to now; both are written back to rec.
func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	db, err := s.guard()
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("store: record id cannot be empty")
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	metadata, err := marshalBlob(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal request metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, s.rebind(`
	INSERT INTO requests (id, provider, message, model, status, priority, timeout_seconds, no_cache, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Provider,
		rec.Message,
		rec.Model,
		string(rec.Status),
		rec.Priority,
		rec.Timeout.Seconds(),
		rec.NoCache,
		metadata,
		unixSeconds(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// MarkProcessing stamps started_at and moves the record to processing. Only
// a queued record transitions; anything else reports ErrNotFound so a racing
// cancellation is never overwritten.
func (s *SQLStore) MarkProcessing(ctx context.Context, id string) error {
	db, err := s.guard()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.rebind(
		"UPDATE requests SET status = ?, started_at = ? WHERE id = ? AND status = ?"),
		string(StatusProcessing), unixSeconds(time.Now()), id, string(StatusQueued))
	if err != nil {
		return fmt.Errorf("failed to mark request processing: %w", err)
	}
	return oneRow(res)
}

// MarkRetrying records that the request is between attempts.
func (s *SQLStore) MarkRetrying(ctx context.Context, id string, attempts int) error {
	db, err := s.guard()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, s.rebind(
		"UPDATE requests SET status = ?, attempts = ? WHERE id = ? AND status IN (?, ?)"),
		string(StatusRetrying), attempts, id,
		string(StatusProcessing), string(StatusRetrying))
	if err != nil {
		return fmt.Errorf("failed to mark request retrying: %w", err)
	}
	return oneRow(res)
}

// Finish writes a terminal status and the final result fields. A record that
// already reached a terminal state is left untouched and reports ErrNotFound,
// so Finish and Cancel cannot double-write an outcome.
func (s *SQLStore) Finish(ctx context.Context, rec *Record) error {
	db, err := s.guard()
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("store: finish requires a terminal status, got %q", rec.Status)
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}

	summary, err := marshalBlob(rec.RetrySummary)
	if err != nil {
		return fmt.Errorf("failed to marshal retry summary: %w", err)
	}

	res, err := db.ExecContext(ctx, s.rebind(`
	UPDATE requests SET status = ?, completed_at = ?, success = ?, response = ?,
		error = ?, provider_used = ?, input_tokens = ?, output_tokens = ?,
		latency_ms = ?, cached = ?, attempts = ?, retry_summary = ?
	WHERE id = ? AND status IN (?, ?, ?)`),
		string(rec.Status),
		unixSeconds(rec.CompletedAt),
		rec.Success,
		rec.Response,
		rec.Error,
		rec.ProviderUsed,
		rec.InputTokens,
		rec.OutputTokens,
		rec.LatencyMS,
		rec.Cached,
		rec.Attempts,
		summary,
		rec.ID,
		string(StatusQueued), string(StatusProcessing), string(StatusRetrying),
	)
	if err != nil {
		return fmt.Errorf("failed to finish request: %w", err)
	}
	return oneRow(res)
}

// Cancel marks a non-terminal record cancelled. It reports false when the
// record is missing or already terminal.
func (s *SQLStore) Cancel(ctx context.Context, id string) (bool, error) {
	db, err := s.guard()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, s.rebind(`
	UPDATE requests SET status = ?, completed_at = ?
	WHERE id = ? AND status IN (?, ?, ?)`),
		string(StatusCancelled),
		unixSeconds(time.Now()),
		id,
		string(StatusQueued), string(StatusProcessing), string(StatusRetrying),
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns one record by id, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	db, err := s.guard()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, s.rebind(
		"SELECT "+recordColumns+" FROM requests WHERE id = ?"), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	return rec, nil
}

// List returns records newest first, narrowed by the filter.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Record, error) {
	db, err := s.guard()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + recordColumns + " FROM requests WHERE 1=1"
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += " AND provider = ?"
		args = append(args, filter.Provider)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			log.Warnf("Failed to scan request record: %v", err)
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}
	return records, nil
}

// CountByStatus returns the number of records in each lifecycle state.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	db, err := s.guard()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan request counts: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Cleanup removes terminal records older than the given age and returns
// the number deleted. Queued and in-flight records are never removed.
func (s *SQLStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	db, err := s.guard()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	res, err := db.ExecContext(ctx, s.rebind(
		"DELETE FROM requests WHERE created_at < ? AND status IN (?, ?, ?)"),
		unixSeconds(cutoff),
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup requests: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Infof("Cleaned up %d old request records", n)
	}
	return n, nil
}

// Shutdown closes the database.
func (s *SQLStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	s.enabled = false
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close request store: %w", err)
	}
	log.Info("Request store shut down")
	return nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// marshalBlob serializes an optional map to JSON, returning NULL for nil.
func marshalBlob(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		status       string
		timeoutSecs  float64
		metadata     sql.NullString
		createdAt    float64
		startedAt    sql.NullFloat64
		completedAt  sql.NullFloat64
		response     sql.NullString
		errText      sql.NullString
		providerUsed sql.NullString
		summary      sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.Provider,
		&rec.Message,
		&rec.Model,
		&status,
		&rec.Priority,
		&timeoutSecs,
		&rec.NoCache,
		&metadata,
		&createdAt,
		&startedAt,
		&completedAt,
		&rec.Success,
		&response,
		&errText,
		&providerUsed,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.LatencyMS,
		&rec.Cached,
		&rec.Attempts,
		&summary,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.Timeout = time.Duration(timeoutSecs * float64(time.Second))
	rec.CreatedAt = timeFromUnix(createdAt)
	if startedAt.Valid {
		rec.StartedAt = timeFromUnix(startedAt.Float64)
	}
	if completedAt.Valid {
		rec.CompletedAt = timeFromUnix(completedAt.Float64)
	}
	rec.Response = response.String
	rec.Error = errText.String
	rec.ProviderUsed = providerUsed.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			log.Warnf("Failed to unmarshal request metadata: %v", err)
		}
	}
	if summary.Valid && summary.String != "" {
		if err := json.Unmarshal([]byte(summary.String), &rec.RetrySummary); err != nil {
			log.Warnf("Failed to unmarshal retry summary: %v", err)
		}
	}
	return &rec, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}
