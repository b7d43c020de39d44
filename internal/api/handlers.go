// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/authflow"
	"github.com/traylinx/aibridge/internal/backend"
	"github.com/traylinx/aibridge/internal/buildinfo"
	"github.com/traylinx/aibridge/internal/gateway"
	"github.com/traylinx/aibridge/internal/reliability"
	"github.com/traylinx/aibridge/internal/store"
)

// askRequest is the submission body shared by /api/ask and /api/ask/stream.
type askRequest struct {
	Provider string         `json:"provider"`
	Message  string         `json:"message"`
	Model    string         `json:"model"`
	Priority int            `json:"priority"`
	Timeout  float64        `json:"timeout"`
	NoCache  bool           `json:"no_cache"`
	Metadata map[string]any `json:"metadata"`
}

func (r askRequest) submitOptions() gateway.SubmitOptions {
	return gateway.SubmitOptions{
		Provider: r.Provider,
		Message:  r.Message,
		Model:    r.Model,
		Priority: r.Priority,
		Timeout:  time.Duration(r.Timeout * float64(time.Second)),
		NoCache:  r.NoCache,
		Metadata: r.Metadata,
	}
}

// submitError translates gateway submission failures into HTTP responses.
func submitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gateway.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message cannot be empty"})
	case errors.Is(err, gateway.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gateway.QueueFullMessage})
	default:
		log.Errorf("Request submission failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit request"})
	}
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	sub, err := s.gw.Submit(c.Request.Context(), req.submitOptions())
	if err != nil {
		submitError(c, err)
		return
	}

	resp := gin.H{
		"request_ids": sub.IDs,
		"status":      sub.Status,
	}
	if len(sub.IDs) == 1 {
		resp["request_id"] = sub.IDs[0]
	}
	if sub.Group != "" {
		resp["group"] = sub.Group
		resp["count"] = len(sub.IDs)
	}
	if sub.Cached {
		resp["cached"] = true
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleReply(c *gin.Context) {
	id := c.Param("id")

	var wait time.Duration
	if v := c.Query("wait"); v == "true" || v == "1" {
		seconds := 30.0
		if t := c.Query("timeout"); t != "" {
			if parsed, err := strconv.ParseFloat(t, 64); err == nil && parsed > 0 {
				seconds = parsed
			}
		}
		if seconds > 600 {
			seconds = 600
		}
		wait = time.Duration(seconds * float64(time.Second))
	}

	rec, err := s.gw.WaitResult(c.Request.Context(), id, wait)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
			return
		}
		// Context expired mid-wait; serve the latest snapshot if we got one.
		if rec == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load request"})
			return
		}
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if !s.gw.Cancel(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found or already completed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "request_id": id})
}

// requestSummary is the list-view shape: everything but the full message
// and response bodies.
type requestSummary struct {
	ID             string         `json:"request_id"`
	Provider       string         `json:"provider"`
	ProviderUsed   string         `json:"provider_used,omitempty"`
	Status         store.Status   `json:"status"`
	Priority       int            `json:"priority,omitempty"`
	MessagePreview string         `json:"message_preview"`
	Success        bool           `json:"success"`
	Error          string         `json:"error,omitempty"`
	LatencyMS      int64          `json:"latency_ms,omitempty"`
	Cached         bool           `json:"cached,omitempty"`
	Attempts       int            `json:"attempts,omitempty"`
	Group          string         `json:"group,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	RetrySummary   map[string]any `json:"retry_summary,omitempty"`
}

func summarize(rec *store.Record) requestSummary {
	group := ""
	if g, ok := rec.Metadata["group"].(string); ok {
		group = g
	}
	return requestSummary{
		ID:             rec.ID,
		Provider:       rec.Provider,
		ProviderUsed:   rec.ProviderUsed,
		Status:         rec.Status,
		Priority:       rec.Priority,
		MessagePreview: preview(rec.Message, 120),
		Success:        rec.Success,
		Error:          rec.Error,
		LatencyMS:      rec.LatencyMS,
		Cached:         rec.Cached,
		Attempts:       rec.Attempts,
		Group:          group,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
		RetrySummary:   rec.RetrySummary,
	}
}

func (s *Server) handleListRequests(c *gin.Context) {
	status := store.Status(c.Query("status"))
	switch status {
	case "", store.StatusQueued, store.StatusProcessing, store.StatusRetrying,
		store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status: " + string(status)})
		return
	}

	filter := store.ListFilter{
		Status:   status,
		Provider: c.Query("provider"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}
	recs, err := s.gw.Store().List(c.Request.Context(), filter)
	if err != nil {
		log.Errorf("Failed to list requests: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list requests"})
		return
	}

	summaries := make([]requestSummary, len(recs))
	for i, rec := range recs {
		summaries[i] = summarize(rec)
	}
	c.JSON(http.StatusOK, gin.H{"requests": summaries, "count": len(summaries)})
}

func (s *Server) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, s.gw.QueueStats())
}

// gatewayStatus is the gateway half of the status response.
type gatewayStatus struct {
	Version       string                 `json:"version"`
	UptimeS       int64                  `json:"uptime_s"`
	TotalRequests int64                  `json:"total_requests"`
	ByStatus      map[store.Status]int64 `json:"by_status"`
	QueueDepth    int                    `json:"queue_depth"`
	Active        int                    `json:"active_requests"`
	Cache         gin.H                  `json:"cache,omitempty"`
	Features      gin.H                  `json:"features"`
}

// providerStatus merges a provider's reliability snapshot with its queue
// occupancy.
type providerStatus struct {
	Name       string               `json:"name"`
	QueueDepth int                  `json:"queue_depth"`
	Snapshot   reliability.Snapshot `json:"reliability"`
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	cfg := s.gw.Config()

	counts, err := s.gw.Store().CountByStatus(ctx)
	if err != nil {
		log.Warnf("Failed to count requests by status: %v", err)
		counts = map[store.Status]int64{}
	}
	var total int64
	for _, n := range counts {
		total += n
	}

	qs := s.gw.QueueStats()
	gs := gatewayStatus{
		Version:       buildinfo.Version,
		UptimeS:       int64(s.gw.Uptime().Seconds()),
		TotalRequests: total,
		ByStatus:      counts,
		QueueDepth:    qs.Depth,
		Active:        qs.Processing,
		Features: gin.H{
			"retry_enabled":    cfg.Retry.Enabled,
			"fallback_enabled": cfg.Retry.FallbackEnabled,
			"cache_enabled":    s.gw.CacheManager().Enabled(),
			"archive_enabled":  cfg.Archive.Enabled,
		},
	}
	if cm := s.gw.CacheManager(); cm.Enabled() {
		if st := cm.Stats(ctx); st != nil {
			gs.Cache = gin.H{
				"hits":     st.Hits,
				"misses":   st.Misses,
				"hit_rate": st.HitRate,
				"entries":  st.TotalEntries,
			}
		}
	}

	providers := make([]providerStatus, 0, len(s.gw.Providers()))
	for _, name := range s.gw.Providers() {
		providers = append(providers, providerStatus{
			Name:       name,
			QueueDepth: qs.ByProvider[name],
			Snapshot:   s.gw.Tracker().Snapshot(name),
		})
	}

	c.JSON(http.StatusOK, gin.H{"gateway": gs, "providers": providers})
}

// providerInfo is the /api/providers merge of configuration and runtime
// reliability.
type providerInfo struct {
	Name           string                `json:"name"`
	Type           string                `json:"type"`
	Enabled        bool                  `json:"enabled"`
	Registered     bool                  `json:"registered"`
	Model          string                `json:"model,omitempty"`
	RateLimitProne bool                  `json:"rate_limit_prone,omitempty"`
	AuthProne      bool                  `json:"auth_prone,omitempty"`
	Fallbacks      []string              `json:"fallbacks,omitempty"`
	Reliability    *reliability.Snapshot `json:"reliability,omitempty"`
}

func (s *Server) handleProviders(c *gin.Context) {
	cfg := s.gw.Config()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p := cfg.Providers[name]
		if p == nil {
			continue
		}
		info := providerInfo{
			Name:           name,
			Type:           string(p.Type),
			Enabled:        p.Enabled,
			Registered:     s.gw.Backend(name) != nil,
			Model:          p.Model,
			RateLimitProne: p.RateLimitProne,
			AuthProne:      p.AuthProne,
			Fallbacks:      cfg.Fallbacks(name),
		}
		if info.Registered {
			snap := s.gw.Tracker().Snapshot(name)
			info.Reliability = &snap
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, gin.H{"providers": infos, "default": cfg.DefaultProvider})
}

func (s *Server) handleProviderGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"groups": s.gw.Config().ProviderGroups})
}

func (s *Server) handleHealth(c *gin.Context) {
	deep := c.Query("deep")
	if deep != "1" && deep != "true" {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		healthy = make(map[string]bool)
	)
	for _, name := range s.gw.Providers() {
		b := s.gw.Backend(name)
		if b == nil {
			continue
		}
		wg.Add(1)
		go func(name string, b backend.Backend) {
			defer wg.Done()
			ok := b.HealthCheck(ctx)
			mu.Lock()
			healthy[name] = ok
			mu.Unlock()
		}(name, b)
	}
	wg.Wait()

	status := "ok"
	for _, ok := range healthy {
		if !ok {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "providers": healthy})
}

func (s *Server) handleRetryConfig(c *gin.Context) {
	cfg := s.gw.Config()
	rc := cfg.Retry
	c.JSON(http.StatusOK, gin.H{
		"enabled":          rc.Enabled,
		"max_retries":      rc.MaxRetries,
		"base_delay_s":     float64(rc.BaseDelayMs) / 1000,
		"max_delay_s":      float64(rc.MaxDelayMs) / 1000,
		"exponential_base": rc.ExponentialBase,
		"jitter":           rc.Jitter,
		"fallback_enabled": rc.FallbackEnabled,
		"fallback_chains":  cfg.FallbackChains,
	})
}

func (s *Server) handleReliability(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.gw.Tracker().AllScores()})
}

func (s *Server) handleReliabilityReset(c *gin.Context) {
	name := c.Param("provider")
	if s.gw.Backend(name) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider: " + name})
		return
	}
	s.gw.Tracker().ResetAuth(name)
	log.Infof("Reliability auth state reset for provider %s", name)
	c.JSON(http.StatusOK, gin.H{"success": true, "provider": name})
}

func (s *Server) handleAuthLogin(c *gin.Context) {
	name := c.Param("provider")
	p := s.gw.Config().GetProvider(name)
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider: " + name})
		return
	}

	resp := gin.H{"provider": name}
	switch {
	case p.OAuth != nil:
		state := uuid.NewString()
		url, err := authflow.LoginURL(*p, state)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build login URL: " + err.Error()})
			return
		}
		resp["auth_url"] = url
		resp["state"] = state
		if s.flow.AutoOpen() {
			resp["browser_opened"] = s.flow.OpenBrowser(url)
		}
	case p.LoginCommand != "":
		resp["login_command"] = p.LoginCommand
		resp["login_terminal"] = s.flow.OpenLoginTerminal(name, p.LoginCommand)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provider has no login method configured"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
