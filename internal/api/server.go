// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the gateway over HTTP: request submission and results,
// SSE streaming, a WebSocket event feed, cache and reliability admin, and a
// key-protected management surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/traylinx/aibridge/internal/authflow"
	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/gateway"
	"github.com/traylinx/aibridge/internal/util"
)

// Server hosts the gateway's HTTP surface.
type Server struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	flow    *authflow.Flow
	history *config.History
	engine  *gin.Engine
	hub     *wsHub

	httpSrv *http.Server
}

// NewServer builds the router over a started gateway. history may be nil
// when config history is disabled.
func NewServer(cfg *config.Config, gw *gateway.Gateway, history *config.History) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		gw:      gw,
		flow:    authflow.NewFlow(cfg.AuthFlow),
		history: history,
		engine:  gin.New(),
		hub:     newWSHub(gw.Bus()),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	{
		api.POST("/ask", s.handleAsk)
		api.POST("/ask/stream", s.handleAskStream)
		api.GET("/reply/:id", s.handleReply)
		api.DELETE("/request/:id", s.handleCancel)
		api.GET("/requests", s.handleListRequests)
		api.GET("/queue", s.handleQueue)
		api.GET("/status", s.handleStatus)
		api.GET("/providers", s.handleProviders)
		api.GET("/provider-groups", s.handleProviderGroups)
		api.GET("/health", s.handleHealth)

		api.GET("/cache/stats", s.handleCacheStats)
		api.GET("/cache/stats/detailed", s.handleCacheStatsDetailed)
		api.POST("/cache/cleanup", s.handleCacheCleanup)
		api.DELETE("/cache", s.handleCacheClear)

		api.GET("/retry/config", s.handleRetryConfig)
		api.GET("/reliability", s.handleReliability)
		api.POST("/reliability/:provider/reset", s.handleReliabilityReset)
		api.POST("/auth/:provider/login", s.handleAuthLogin)

		api.GET("/ws", s.handleWS)
	}

	mgmt := s.engine.Group("/v0/management", s.managementAuth())
	{
		mgmt.GET("/config", s.handleConfigGet)
		mgmt.PUT("/config", s.handleConfigUpdate)
		mgmt.GET("/config/history", s.handleConfigHistory)
		mgmt.DELETE("/cache", s.handleCacheClear)
		mgmt.POST("/reliability/:provider/reset", s.handleReliabilityReset)
	}
}

// Start listens on the configured address and serves until Shutdown. The
// listener is capped at management.max-connections concurrent connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	if max := s.cfg.Management.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("API server listening on %s", ln.Addr())
	if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes the WebSocket feed and drains in-flight HTTP requests
// until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.shutdown()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger records each request's outcome. Server errors log at warn so
// they stand out of the access noise.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP request failed")
		} else {
			entry.Debug("HTTP request")
		}
	}
}

// managementAuth gates the management surface: loopback-only when
// configured, and always a valid key. The key rides in X-Management-Key or
// an Authorization bearer token.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Read through the gateway so a reloaded key or localhost policy
		// applies without a restart.
		cfg := s.gw.Config()
		if cfg.Management.RestrictToLocalhost && !util.IsLocalhostDirect(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Management API is restricted to localhost",
			})
			return
		}
		key := c.GetHeader("X-Management-Key")
		if key == "" {
			if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
				key = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if !cfg.CheckManagementKey(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid management key",
			})
			return
		}
		c.Next()
	}
}
