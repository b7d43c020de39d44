// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/events"
	"github.com/traylinx/aibridge/internal/store"
)

// streamPollInterval guards against missed bus events: the store is checked
// this often for a terminal status while streaming.
const streamPollInterval = 2 * time.Second

// handleAskStream submits a request and relays its lifecycle as SSE.
// Partial backend output arrives as "chunk" events; the stream ends with a
// single "done" or "error" event.
func (s *Server) handleAskStream(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if strings.HasPrefix(req.Provider, "@") {
		// Group fan-out has no single stream to follow.
		c.JSON(http.StatusBadRequest, gin.H{"error": "Streaming does not support provider groups"})
		return
	}

	// Subscribe before submitting so no early chunk slips past. Everything
	// is buffered here and filtered by request id below.
	feed := make(chan *events.Event, 256)
	sub := s.gw.Bus().SubscribeAll(func(e *events.Event) {
		select {
		case feed <- e:
		default:
		}
	})
	defer sub.Unsubscribe()

	opts := req.submitOptions()
	opts.Stream = true
	submission, err := s.gw.Submit(c.Request.Context(), opts)
	if err != nil {
		submitError(c, err)
		return
	}
	id := submission.IDs[0]

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if submission.Cached {
		if rec, err := s.gw.Store().Get(c.Request.Context(), id); err == nil {
			s.writeSSE(c, "chunk", gin.H{"request_id": id, "chunk": rec.Response})
			s.writeSSE(c, "done", rec)
		}
		return
	}

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			// Nobody is reading anymore; stop paying for the execution.
			s.gw.Cancel(context.Background(), id)
			return

		case e := <-feed:
			if e.RequestID != id {
				continue
			}
			switch e.Type {
			case events.TypeStreamChunk:
				payload := gin.H{"request_id": id, "provider": e.Provider}
				if chunk, ok := e.Data["chunk"]; ok {
					payload["chunk"] = chunk
				}
				if !s.writeSSE(c, "chunk", payload) {
					s.gw.Cancel(context.Background(), id)
					return
				}
			case events.TypeRetrying, events.TypeFallback:
				s.writeSSE(c, string(e.Type), gin.H{"request_id": id, "provider": e.Provider, "data": e.Data})
			case events.TypeCompleted, events.TypeFailed, events.TypeCancelled:
				s.finishStream(c, id)
				return
			}

		case <-ticker.C:
			// The bus drops events under pressure; the store is the truth.
			rec, err := s.gw.Store().Get(context.Background(), id)
			if err != nil {
				s.writeSSE(c, "error", gin.H{"request_id": id, "error": "Request vanished"})
				return
			}
			if rec.Status.Terminal() {
				s.finishStream(c, id)
				return
			}
		}
	}
}

// finishStream emits the terminal SSE event from the stored record.
func (s *Server) finishStream(c *gin.Context, id string) {
	rec, err := s.gw.Store().Get(context.Background(), id)
	if err != nil {
		s.writeSSE(c, "error", gin.H{"request_id": id, "error": "Request vanished"})
		return
	}
	switch rec.Status {
	case store.StatusCompleted:
		s.writeSSE(c, "done", rec)
	case store.StatusCancelled:
		s.writeSSE(c, "error", gin.H{"request_id": id, "error": "Request cancelled", "status": rec.Status})
	default:
		s.writeSSE(c, "error", gin.H{"request_id": id, "error": rec.Error, "status": rec.Status})
	}
}

// writeSSE writes one event in SSE wire format and flushes it out.
func (s *Server) writeSSE(c *gin.Context, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warnf("Failed to marshal SSE payload: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
