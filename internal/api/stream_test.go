// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/traylinx/aibridge/internal/backend"
	"github.com/traylinx/aibridge/internal/config"
)

func postStream(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/ask/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	return rr
}

func TestStreamAsk(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{response: "Hello there", chunks: []string{"Hello ", "there"}},
	}, nil)

	rr := postStream(t, srv, `{"message":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "event: chunk") {
		t.Fatalf("stream missing chunk events: %s", body)
	}
	if !strings.Contains(body, `"chunk":"Hello "`) || !strings.Contains(body, `"chunk":"there"`) {
		t.Fatalf("stream missing chunk payloads: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("stream missing done event: %s", body)
	}
	if !strings.Contains(body, `"response":"Hello there"`) {
		t.Fatalf("done event missing final response: %s", body)
	}
	if idx := strings.Index(body, "event: done"); idx < strings.LastIndex(body, "event: chunk") {
		t.Fatalf("done event arrived before the last chunk: %s", body)
	}
}

func TestStreamFailure(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{fail: "Error: model exploded"},
	}, nil)

	rr := postStream(t, srv, `{"message":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Fatalf("stream missing error event: %s", body)
	}
	if !strings.Contains(body, "model exploded") {
		t.Fatalf("error event missing failure text: %s", body)
	}
	if !strings.Contains(body, `"status":"failed"`) {
		t.Fatalf("error event missing terminal status: %s", body)
	}
}

func TestStreamRejectsGroups(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr := postStream(t, srv, `{"provider":"@all","message":"hello"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("group stream should 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Streaming does not support provider groups") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestStreamValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr := postStream(t, srv, `{"message":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty message should 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Message cannot be empty") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestStreamCachedResponse(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{response: "a cached answer worth keeping"},
	}, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
	})

	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"explain goroutine scheduling"}`)
	waitTerminalAPI(t, srv, parsed["request_id"].(string))

	start := time.Now()
	rr := postStream(t, srv, `{"message":"explain goroutine scheduling"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"chunk":"a cached answer worth keeping"`) {
		t.Fatalf("cached stream should replay the full response as one chunk: %s", body)
	}
	if !strings.Contains(body, "event: done") || !strings.Contains(body, `"cached":true`) {
		t.Fatalf("cached stream missing done marker: %s", body)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cached stream should return without queueing, took %v", elapsed)
	}
}
