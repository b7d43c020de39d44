// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache persists AI responses keyed by provider, model, and a
// normalized message hash. Identical questions within the TTL window are
// answered from SQLite instead of hitting a provider.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/rules"
)

// Key builds the cache key for a request. The message is trimmed and
// lowercased before hashing so trivial formatting differences still hit.
func Key(provider, message, model string) string {
	normalized := strings.ToLower(strings.TrimSpace(message))
	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:])[:16]
	if model != "" {
		return provider + ":" + model + ":" + hash
	}
	return provider + ":" + hash
}

// MessageHash is the full digest stored alongside an entry, computed over
// the trimmed but case-preserved message.
func MessageHash(message string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(message)))
	return hex.EncodeToString(sum[:])
}

// Entry is one cached response.
type Entry struct {
	CacheKey    string         `json:"cache_key"`
	Provider    string         `json:"provider"`
	MessageHash string         `json:"message_hash"`
	Response    string         `json:"response"`
	TokensUsed  int            `json:"tokens_used,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	HitCount    int            `json:"hit_count"`
	LastHitAt   time.Time      `json:"last_hit_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the entry's TTL has passed.
func (e *Entry) Expired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Stats is the shape served by the cache stats endpoint. Timestamps are
// unix seconds; pointers are nil when the cache is empty.
type Stats struct {
	Hits             int64    `json:"hits"`
	Misses           int64    `json:"misses"`
	HitRate          float64  `json:"hit_rate"`
	TotalEntries     int64    `json:"total_entries"`
	ExpiredEntries   int64    `json:"expired_entries"`
	TotalTokensSaved int64    `json:"total_tokens_saved"`
	SizeBytes        int64    `json:"size_bytes"`
	ValidEntries     int64    `json:"valid_entries"`
	ValidSizeBytes   int64    `json:"valid_size_bytes"`
	OldestEntry      *float64 `json:"oldest_entry"`
	NewestEntry      *float64 `json:"newest_entry"`
	NextExpiration   *float64 `json:"next_expiration"`
	AvgTTLRemaining  *float64 `json:"avg_ttl_remaining_s"`
}

// ProviderStats aggregates valid entries for one provider.
type ProviderStats struct {
	EntryCount int64   `json:"entry_count"`
	TotalHits  int64   `json:"total_hits"`
	AvgHits    float64 `json:"avg_hits"`
}

// PutRequest carries everything needed to store a response.
type PutRequest struct {
	Provider   string
	Message    string
	Response   string
	Model      string
	TokensUsed int
	// TTL overrides the provider default when positive.
	TTL      time.Duration
	Metadata map[string]any
}

// Manager owns the response cache table. All methods are safe on a manager
// whose Initialize failed or was skipped; they behave as misses and no-ops,
// so a broken cache degrades the gateway instead of stopping it.
type Manager struct {
	cfg    config.CacheConfig
	dbPath string
	engine *rules.Engine

	mu      sync.RWMutex
	db      *sql.DB
	enabled bool

	hits        atomic.Int64
	misses      atomic.Int64
	tokensSaved atomic.Int64
}

// NewManager creates a cache manager. Initialize must be called before use.
func NewManager(dbPath string, cfg config.CacheConfig, engine *rules.Engine) *Manager {
	return &Manager{
		cfg:    cfg,
		dbPath: dbPath,
		engine: engine,
	}
}

// Initialize opens the database and creates the cache table.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		log.Info("Response cache disabled by config")
		return nil
	}
	if m.dbPath == "" {
		return fmt.Errorf("cache database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(m.dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", m.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS response_cache (
		cache_key TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		message_hash TEXT NOT NULL,
		response TEXT NOT NULL,
		tokens_used INTEGER,
		created_at REAL NOT NULL,
		expires_at REAL NOT NULL,
		hit_count INTEGER DEFAULT 0,
		last_hit_at REAL,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cache_provider ON response_cache(provider);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON response_cache(expires_at);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create cache schema: %w", err)
	}

	m.db = db
	m.enabled = true
	log.Infof("Response cache initialized (db: %s, max entries: %d)", m.dbPath, m.cfg.MaxEntries)
	return nil
}

// Enabled reports whether the cache is usable.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// UpdateConfig swaps in new cache settings and rules without reopening the
// database. A nil engine keeps the current one. Toggling the cache on only
// works when the database was opened at startup; a cache that started
// disabled stays off until restart.
func (m *Manager) UpdateConfig(cfg config.CacheConfig, engine *rules.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	if engine != nil {
		m.engine = engine
	}
	m.enabled = cfg.Enabled && m.db != nil
}

// ShouldCache reports whether a request's response may be cached. Volatile
// message patterns and configured exclude rules both block caching.
func (m *Manager) ShouldCache(provider, message string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shouldCacheLocked(provider, message)
}

func (m *Manager) shouldCacheLocked(provider, message string) bool {
	lower := strings.ToLower(message)
	for _, p := range m.cfg.NoCachePatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return !m.engine.ExcludeFromCache(provider, message)
}

func (m *Manager) ttlForLocked(provider string) time.Duration {
	if s, ok := m.cfg.ProviderTTLSeconds[provider]; ok {
		return time.Duration(s) * time.Second
	}
	return time.Duration(m.cfg.DefaultTTLSeconds) * time.Second
}

// Get returns the cached entry for a request, counting hits and misses.
// Expired entries are deleted on the way out.
func (m *Manager) Get(ctx context.Context, provider, message, model string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil, false
	}

	key := Key(provider, message, model)
	row := m.db.QueryRowContext(ctx, `
	SELECT cache_key, provider, message_hash, response, tokens_used,
	       created_at, expires_at, hit_count, last_hit_at, metadata
	FROM response_cache WHERE cache_key = ?`, key)

	entry, err := scanEntry(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warnf("Cache lookup failed: %v", err)
		}
		m.misses.Add(1)
		return nil, false
	}

	if entry.Expired() {
		if _, err := m.db.ExecContext(ctx, "DELETE FROM response_cache WHERE cache_key = ?", key); err != nil {
			log.Warnf("Failed to delete expired cache entry: %v", err)
		}
		m.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	if _, err := m.db.ExecContext(ctx,
		"UPDATE response_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE cache_key = ?",
		unixSeconds(now), key); err != nil {
		log.Warnf("Failed to record cache hit: %v", err)
	}

	m.hits.Add(1)
	if entry.TokensUsed > 0 {
		m.tokensSaved.Add(int64(entry.TokensUsed))
	}
	entry.HitCount++
	entry.LastHitAt = now
	return entry, true
}

// Put stores a response. It returns (nil, nil) when caching was skipped by
// policy: volatile message, exclude rule, or a response below the minimum
// length.
func (m *Manager) Put(ctx context.Context, pr PutRequest) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil, nil
	}
	if !m.shouldCacheLocked(pr.Provider, pr.Message) {
		return nil, nil
	}
	if len(pr.Response) < m.cfg.MinResponseLength {
		return nil, nil
	}

	ttl := pr.TTL
	if ttl <= 0 {
		ttl = m.ttlForLocked(pr.Provider)
	}
	now := time.Now()
	entry := &Entry{
		CacheKey:    Key(pr.Provider, pr.Message, pr.Model),
		Provider:    pr.Provider,
		MessageHash: MessageHash(pr.Message),
		Response:    pr.Response,
		TokensUsed:  pr.TokensUsed,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Metadata:    pr.Metadata,
	}

	var metadataJSON any
	if pr.Metadata != nil {
		b, err := json.Marshal(pr.Metadata)
		if err != nil {
			log.Warnf("Failed to marshal cache metadata: %v", err)
			b = []byte("{}")
		}
		metadataJSON = string(b)
	}

	_, err := m.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO response_cache (
		cache_key, provider, message_hash, response, tokens_used,
		created_at, expires_at, hit_count, last_hit_at, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		entry.CacheKey,
		entry.Provider,
		entry.MessageHash,
		entry.Response,
		entry.TokensUsed,
		unixSeconds(entry.CreatedAt),
		unixSeconds(entry.ExpiresAt),
		metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store cache entry: %w", err)
	}
	return entry, nil
}

// Invalidate removes one entry by key.
func (m *Manager) Invalidate(ctx context.Context, cacheKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return false
	}
	res, err := m.db.ExecContext(ctx, "DELETE FROM response_cache WHERE cache_key = ?", cacheKey)
	if err != nil {
		log.Warnf("Failed to invalidate cache entry: %v", err)
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// Clear removes entries for one provider, or all entries when provider is
// empty. It returns the number of entries removed.
func (m *Manager) Clear(ctx context.Context, provider string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return 0
	}
	var (
		res sql.Result
		err error
	)
	if provider != "" {
		res, err = m.db.ExecContext(ctx, "DELETE FROM response_cache WHERE provider = ?", provider)
	} else {
		res, err = m.db.ExecContext(ctx, "DELETE FROM response_cache")
	}
	if err != nil {
		log.Warnf("Failed to clear cache: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// CleanupExpired removes entries past their TTL and returns the count.
func (m *Manager) CleanupExpired(ctx context.Context) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return 0
	}
	res, err := m.db.ExecContext(ctx,
		"DELETE FROM response_cache WHERE expires_at < ?", unixSeconds(time.Now()))
	if err != nil {
		log.Warnf("Failed to cleanup expired cache entries: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// EnforceMaxEntries deletes the oldest entries until the configured limit
// holds, returning how many were removed.
func (m *Manager) EnforceMaxEntries(ctx context.Context) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return 0
	}

	var count int64
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM response_cache").Scan(&count); err != nil {
		log.Warnf("Failed to count cache entries: %v", err)
		return 0
	}
	if count <= int64(m.cfg.MaxEntries) {
		return 0
	}

	excess := count - int64(m.cfg.MaxEntries)
	res, err := m.db.ExecContext(ctx, `
	DELETE FROM response_cache
	WHERE cache_key IN (
		SELECT cache_key FROM response_cache
		ORDER BY created_at ASC
		LIMIT ?
	)`, excess)
	if err != nil {
		log.Warnf("Failed to enforce cache entry limit: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	return n
}

// Stats returns hit counters plus table aggregates.
func (m *Manager) Stats(ctx context.Context) *Stats {
	s := &Stats{
		Hits:             m.hits.Load(),
		Misses:           m.misses.Load(),
		TotalTokensSaved: m.tokensSaved.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return s
	}

	now := unixSeconds(time.Now())
	var (
		validCount, expiredCount            sql.NullInt64
		oldest, newest, nextExp, avgTTLLeft sql.NullFloat64
	)
	err := m.db.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END),
		COALESCE(SUM(LENGTH(response)), 0),
		COALESCE(SUM(CASE WHEN expires_at > ? THEN LENGTH(response) ELSE 0 END), 0),
		MIN(created_at),
		MAX(created_at),
		MIN(CASE WHEN expires_at > ? THEN expires_at END),
		AVG(CASE WHEN expires_at > ? THEN (expires_at - ?) END)
	FROM response_cache`, now, now, now, now, now, now).Scan(
		&s.TotalEntries,
		&validCount,
		&expiredCount,
		&s.SizeBytes,
		&s.ValidSizeBytes,
		&oldest,
		&newest,
		&nextExp,
		&avgTTLLeft,
	)
	if err != nil {
		log.Warnf("Failed to compute cache stats: %v", err)
		return s
	}

	s.ValidEntries = validCount.Int64
	s.ExpiredEntries = expiredCount.Int64
	s.OldestEntry = nullableFloat(oldest)
	s.NewestEntry = nullableFloat(newest)
	s.NextExpiration = nullableFloat(nextExp)
	s.AvgTTLRemaining = nullableFloat(avgTTLLeft)
	return s
}

// ProviderStats aggregates valid entries grouped by provider.
func (m *Manager) ProviderStats(ctx context.Context) map[string]ProviderStats {
	stats := make(map[string]ProviderStats)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return stats
	}

	rows, err := m.db.QueryContext(ctx, `
	SELECT provider, COUNT(*), SUM(hit_count), AVG(hit_count)
	FROM response_cache
	WHERE expires_at > ?
	GROUP BY provider`, unixSeconds(time.Now()))
	if err != nil {
		log.Warnf("Failed to compute provider cache stats: %v", err)
		return stats
	}
	defer rows.Close()

	for rows.Next() {
		var (
			provider string
			ps       ProviderStats
			hits     sql.NullInt64
			avg      sql.NullFloat64
		)
		if err := rows.Scan(&provider, &ps.EntryCount, &hits, &avg); err != nil {
			log.Warnf("Failed to scan provider cache stats: %v", err)
			continue
		}
		ps.TotalHits = hits.Int64
		ps.AvgHits = avg.Float64
		stats[provider] = ps
	}
	return stats
}

// TopEntries returns the most-hit valid entries.
func (m *Manager) TopEntries(ctx context.Context, limit int) []*Entry {
	if limit <= 0 {
		limit = 10
	}
	return m.queryEntries(ctx, `
	SELECT cache_key, provider, message_hash, response, tokens_used,
	       created_at, expires_at, hit_count, last_hit_at, metadata
	FROM response_cache
	WHERE expires_at > ?
	ORDER BY hit_count DESC
	LIMIT ?`, unixSeconds(time.Now()), limit)
}

// ListEntries returns entries newest first, optionally filtered by provider
// and including expired rows.
func (m *Manager) ListEntries(ctx context.Context, provider string, limit int, includeExpired bool) []*Entry {
	if limit <= 0 {
		limit = 100
	}
	query := `
	SELECT cache_key, provider, message_hash, response, tokens_used,
	       created_at, expires_at, hit_count, last_hit_at, metadata
	FROM response_cache WHERE 1=1`
	var args []any
	if provider != "" {
		query += " AND provider = ?"
		args = append(args, provider)
	}
	if !includeExpired {
		query += " AND expires_at > ?"
		args = append(args, unixSeconds(time.Now()))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	return m.queryEntries(ctx, query, args...)
}

func (m *Manager) queryEntries(ctx context.Context, query string, args ...any) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Warnf("Failed to query cache entries: %v", err)
		return nil
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			log.Warnf("Failed to scan cache entry: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Shutdown runs a final expiry sweep and closes the database.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.Enabled() {
		m.CleanupExpired(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil
	}
	m.enabled = false
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	log.Info("Response cache shut down")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry     Entry
		tokens    sql.NullInt64
		createdAt float64
		expiresAt float64
		lastHitAt sql.NullFloat64
		metadata  sql.NullString
	)
	err := row.Scan(
		&entry.CacheKey,
		&entry.Provider,
		&entry.MessageHash,
		&entry.Response,
		&tokens,
		&createdAt,
		&expiresAt,
		&entry.HitCount,
		&lastHitAt,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	entry.TokensUsed = int(tokens.Int64)
	entry.CreatedAt = timeFromUnix(createdAt)
	entry.ExpiresAt = timeFromUnix(expiresAt)
	if lastHitAt.Valid {
		entry.LastHitAt = timeFromUnix(lastHitAt.Float64)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
			log.Warnf("Failed to unmarshal cache metadata: %v", err)
		}
	}
	return &entry, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
