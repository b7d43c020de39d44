// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/aibridge/internal/config"
)

// maxConfigBody bounds a management config upload.
const maxConfigBody = 1 << 20

func (s *Server) handleConfigGet(c *gin.Context) {
	// Shallow copy is enough to redact: Management is a value field.
	cfg := *s.gw.Config()
	cfg.Management.SecretKey = ""

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode config"})
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", out)
}

// handleConfigUpdate replaces the config file with the posted YAML. The new
// config passes the same validation as a startup load, is committed to
// history, and its mutable sections take effect immediately.
func (s *Server) handleConfigUpdate(c *gin.Context) {
	path := s.gw.Config().Path()
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Gateway is running without a config file"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxConfigBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	next, err := config.ParseConfig(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	next.SetPath(path)
	// A redacted or omitted key keeps the current one, so a config
	// round-tripped through GET cannot lock the caller out.
	if next.Management.SecretKey == "" {
		next.Management.SecretKey = s.gw.Config().Management.SecretKey
	}

	if err := config.SaveConfig(path, next); err != nil {
		log.Errorf("Failed to write config update: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write config"})
		return
	}
	if s.history != nil {
		if err := s.history.Record(path, "management: config update"); err != nil {
			log.Warnf("Failed to record config history: %v", err)
		}
	}

	s.gw.Reload(next)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleConfigHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Config history not enabled"})
		return
	}
	revs, err := s.history.Log(intQuery(c, "limit", 20))
	if err != nil {
		log.Errorf("Failed to read config history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read config history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revisions": revs, "count": len(revs)})
}
