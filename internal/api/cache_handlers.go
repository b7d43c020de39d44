// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/aibridge/internal/cache"
)

// requireCache rejects cache admin calls when the cache is off.
func (s *Server) requireCache(c *gin.Context) *cache.Manager {
	cm := s.gw.CacheManager()
	if cm == nil || !cm.Enabled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cache not enabled"})
		return nil
	}
	return cm
}

func (s *Server) handleCacheStats(c *gin.Context) {
	cm := s.requireCache(c)
	if cm == nil {
		return
	}
	c.JSON(http.StatusOK, cm.Stats(c.Request.Context()))
}

// cacheEntrySummary trims an entry for listings: the response is previewed,
// never served whole.
type cacheEntrySummary struct {
	CacheKey        string    `json:"cache_key"`
	Provider        string    `json:"provider"`
	HitCount        int       `json:"hit_count"`
	TokensUsed      int       `json:"tokens_used,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	ResponsePreview string    `json:"response_preview"`
}

func (s *Server) handleCacheStatsDetailed(c *gin.Context) {
	cm := s.requireCache(c)
	if cm == nil {
		return
	}
	ctx := c.Request.Context()

	top := cm.TopEntries(ctx, 10)
	entries := make([]cacheEntrySummary, len(top))
	for i, e := range top {
		entries[i] = cacheEntrySummary{
			CacheKey:        e.CacheKey,
			Provider:        e.Provider,
			HitCount:        e.HitCount,
			TokensUsed:      e.TokensUsed,
			CreatedAt:       e.CreatedAt,
			ExpiresAt:       e.ExpiresAt,
			ResponsePreview: preview(e.Response, 100),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":     cm.Stats(ctx),
		"by_provider": cm.ProviderStats(ctx),
		"top_entries": entries,
	})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	cm := s.requireCache(c)
	if cm == nil {
		return
	}
	provider := c.Query("provider")
	cleared := cm.Clear(c.Request.Context(), provider)

	scope := provider
	if scope == "" {
		scope = "all"
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "provider": scope})
}

func (s *Server) handleCacheCleanup(c *gin.Context) {
	cm := s.requireCache(c)
	if cm == nil {
		return
	}
	ctx := c.Request.Context()
	expired := cm.CleanupExpired(ctx)
	excess := cm.EnforceMaxEntries(ctx)
	c.JSON(http.StatusOK, gin.H{
		"expired_removed": expired,
		"excess_removed":  excess,
		"total_removed":   expired + excess,
	})
}
