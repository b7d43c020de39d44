// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/traylinx/aibridge/internal/backend"
	"github.com/traylinx/aibridge/internal/cache"
	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/events"
	"github.com/traylinx/aibridge/internal/gateway"
	"github.com/traylinx/aibridge/internal/reliability"
	"github.com/traylinx/aibridge/internal/rules"
	"github.com/traylinx/aibridge/internal/store"
)

// fakeBackend is a canned provider for exercising the HTTP surface.
type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	response string
	fail     string
	delay    time.Duration
	chunks   []string
}

func (f *fakeBackend) Execute(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return backend.Fail("execution cancelled: " + ctx.Err().Error()), nil
		}
	}
	if f.fail != "" {
		return backend.Fail(f.fail), nil
	}
	for _, chunk := range f.chunks {
		if req.Stream != nil {
			req.Stream(chunk)
		}
	}
	res := backend.OK(f.response)
	res.Latency = 5 * time.Millisecond
	res.InputTokens = 3
	res.OutputTokens = 7
	return res, nil
}

func (f *fakeBackend) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeBackend) Shutdown() {}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestServer builds a full stack over fake backends. The management key
// is "test-key"; localhost restriction is off because httptest requests do
// not originate from loopback.
func newTestServer(t *testing.T, backends map[string]backend.Backend, mutate func(*config.Config)) (*Server, *gateway.Gateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxConcurrent = 2
	cfg.MaxQueueSize = 16
	cfg.DefaultTimeoutSeconds = 30
	cfg.Retry.Enabled = false
	cfg.Cache.Enabled = false
	cfg.AuthFlow.AutoOpenBrowser = false
	cfg.AuthFlow.SpawnLoginTerminal = false
	cfg.Management.RestrictToLocalhost = false
	hashed, err := config.HashSecret("test-key")
	if err != nil {
		t.Fatalf("failed to hash management key: %v", err)
	}
	cfg.Management.SecretKey = hashed
	if mutate != nil {
		mutate(cfg)
	}

	st := store.NewSQLite(cfg.StorePath())
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	engine := rules.NewEngine(cfg.Cache.ExcludeRules, cfg.RouteRules)
	cm := cache.NewManager(cfg.CachePath(), cfg.Cache, engine)
	if err := cm.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}
	bus := events.NewBus()

	if backends == nil {
		backends = map[string]backend.Backend{
			"claude": &fakeBackend{response: "pong"},
			"gemini": &fakeBackend{response: "pong from gemini"},
		}
	}

	gw := gateway.New(cfg, gateway.Deps{
		Store:    st,
		Cache:    cm,
		Rules:    engine,
		Tracker:  reliability.NewTracker(),
		Bus:      bus,
		Backends: backends,
	})
	gw.Start()

	srv := NewServer(cfg, gw, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = gw.Shutdown(ctx)
		bus.Shutdown()
		_ = cm.Shutdown(context.Background())
		_ = st.Shutdown(context.Background())
	})
	return srv, gw
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)

	parsed := map[string]any{}
	if rr.Body.Len() > 0 && strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("response to %s %s is not JSON: %v; body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, parsed
}

func waitTerminalAPI(t *testing.T, srv *Server, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr, parsed := doJSON(t, srv, http.MethodGet, "/api/reply/"+id, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("unexpected reply status %d: %s", rr.Code, rr.Body.String())
		}
		switch parsed["status"] {
		case "completed", "failed", "cancelled":
			return parsed
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("request %s never reached a terminal status", id)
	return nil
}

func TestAskAndReply(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"provider":"claude","message":"hello"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected ask status %d: %s", rr.Code, rr.Body.String())
	}
	id, ok := parsed["request_id"].(string)
	if !ok || id == "" {
		t.Fatalf("ask response missing request_id: %v", parsed)
	}
	if parsed["status"] != "queued" {
		t.Fatalf("expected queued status, got %v", parsed["status"])
	}

	final := waitTerminalAPI(t, srv, id)
	if final["status"] != "completed" {
		t.Fatalf("expected completed, got %v (error=%v)", final["status"], final["error"])
	}
	if final["response"] != "pong" {
		t.Fatalf("unexpected response %v", final["response"])
	}
	if final["provider_used"] != "claude" {
		t.Fatalf("unexpected provider_used %v", final["provider_used"])
	}
}

func TestAskReplyWithWait(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{response: "slow pong", delay: 300 * time.Millisecond},
	}, nil)

	rr, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"hello"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected ask status %d: %s", rr.Code, rr.Body.String())
	}
	id := parsed["request_id"].(string)

	rr, parsed = doJSON(t, srv, http.MethodGet, "/api/reply/"+id+"?wait=true&timeout=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected reply status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["status"] != "completed" {
		t.Fatalf("wait=true should block until terminal, got %v", parsed["status"])
	}
	if parsed["response"] != "slow pong" {
		t.Fatalf("unexpected response %v", parsed["response"])
	}
}

func TestAskValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	testCases := []struct {
		name         string
		body         string
		wantStatus   int
		wantContains string
	}{
		{
			name:         "empty message",
			body:         `{"message":"   "}`,
			wantStatus:   http.StatusBadRequest,
			wantContains: "Message cannot be empty",
		},
		{
			name:         "unknown provider",
			body:         `{"provider":"mystery","message":"hello"}`,
			wantStatus:   http.StatusBadRequest,
			wantContains: "unknown provider",
		},
		{
			name:         "unknown group",
			body:         `{"provider":"@nope","message":"hello"}`,
			wantStatus:   http.StatusBadRequest,
			wantContains: "unknown provider or group",
		},
		{
			name:         "malformed body",
			body:         `{not json`,
			wantStatus:   http.StatusBadRequest,
			wantContains: "Invalid request body",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr, _ := doJSON(t, srv, http.MethodPost, "/api/ask", tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("unexpected status %d (want %d): %s", rr.Code, tc.wantStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.wantContains) {
				t.Fatalf("response missing %q: %s", tc.wantContains, rr.Body.String())
			}
		})
	}
}

func TestAskGroupFanOut(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.ProviderGroups["pair"] = []string{"claude", "gemini"}
	})

	rr, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"provider":"@pair","message":"hello"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	ids, ok := parsed["request_ids"].([]any)
	if !ok || len(ids) != 2 {
		t.Fatalf("expected 2 request ids, got %v", parsed["request_ids"])
	}
	if parsed["group"] != "@pair" {
		t.Fatalf("expected group @pair, got %v", parsed["group"])
	}
	if parsed["count"] != float64(2) {
		t.Fatalf("expected count 2, got %v", parsed["count"])
	}
}

func TestCancelRequest(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{response: "never", delay: 2 * time.Second},
	}, nil)

	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"hello"}`)
	id := parsed["request_id"].(string)

	rr, parsed := doJSON(t, srv, http.MethodDelete, "/api/request/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected cancel status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["success"] != true {
		t.Fatalf("expected success, got %v", parsed)
	}

	rr, _ = doJSON(t, srv, http.MethodDelete, "/api/request/"+id, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second cancel should 404, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Request not found or already completed") {
		t.Fatalf("unexpected cancel error body: %s", rr.Body.String())
	}
}

func TestListRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"summarize the plot of hamlet"}`)
	id := parsed["request_id"].(string)
	waitTerminalAPI(t, srv, id)

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/requests?status=completed", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected list status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["count"] != float64(1) {
		t.Fatalf("expected 1 completed request, got %v", parsed["count"])
	}
	requests := parsed["requests"].([]any)
	first := requests[0].(map[string]any)
	if first["request_id"] != id {
		t.Fatalf("unexpected request id %v", first["request_id"])
	}
	if _, hasMessage := first["message"]; hasMessage {
		t.Fatalf("list view must not carry the full message: %v", first)
	}
	if first["message_preview"] != "summarize the plot of hamlet" {
		t.Fatalf("unexpected message preview %v", first["message_preview"])
	}

	rr, _ = doJSON(t, srv, http.MethodGet, "/api/requests?status=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid status filter should 400, got %d", rr.Code)
	}
}

func TestReplyNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, _ := doJSON(t, srv, http.MethodGet, "/api/reply/no-such-id", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Request not found") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"hello"}`)
	waitTerminalAPI(t, srv, parsed["request_id"].(string))

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	gw := parsed["gateway"].(map[string]any)
	if gw["total_requests"].(float64) < 1 {
		t.Fatalf("expected at least one request, got %v", gw["total_requests"])
	}
	features := gw["features"].(map[string]any)
	if features["cache_enabled"] != false {
		t.Fatalf("cache should be off in this helper, got %v", features["cache_enabled"])
	}
	providers := parsed["providers"].([]any)
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
}

func TestQueueEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/queue", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["max_size"] != float64(16) {
		t.Fatalf("expected max_size 16, got %v", parsed["max_size"])
	}
}

func TestProvidersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/providers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["default"] != "claude" {
		t.Fatalf("unexpected default provider %v", parsed["default"])
	}
	providers := parsed["providers"].([]any)
	var sawRegistered bool
	for _, raw := range providers {
		p := raw.(map[string]any)
		if p["name"] == "claude" {
			if p["registered"] != true {
				t.Fatalf("claude should be registered: %v", p)
			}
			if p["reliability"] == nil {
				t.Fatalf("registered provider should carry a reliability snapshot")
			}
			sawRegistered = true
		}
	}
	if !sawRegistered {
		t.Fatalf("claude missing from providers: %s", rr.Body.String())
	}
}

func TestProviderGroupsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/provider-groups", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	groups := parsed["groups"].(map[string]any)
	if _, ok := groups["all"]; !ok {
		t.Fatalf("expected default group %q, got %v", "all", groups)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK || parsed["status"] != "ok" {
		t.Fatalf("unexpected health response %d: %s", rr.Code, rr.Body.String())
	}

	rr, parsed = doJSON(t, srv, http.MethodGet, "/api/health?deep=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected deep health status %d: %s", rr.Code, rr.Body.String())
	}
	checks := parsed["providers"].(map[string]any)
	if checks["claude"] != true || checks["gemini"] != true {
		t.Fatalf("expected healthy providers, got %v", checks)
	}
}

func TestRetryConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Retry.Enabled = true
		cfg.Retry.MaxRetries = 2
		cfg.Retry.BaseDelayMs = 1500
	})

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/retry/config", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["enabled"] != true || parsed["max_retries"] != float64(2) {
		t.Fatalf("unexpected retry config: %v", parsed)
	}
	if parsed["base_delay_s"] != 1.5 {
		t.Fatalf("expected base_delay_s 1.5, got %v", parsed["base_delay_s"])
	}
	if _, ok := parsed["fallback_chains"]; !ok {
		t.Fatalf("retry config missing fallback_chains: %v", parsed)
	}
}

func TestReliabilityEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{fail: "Error: 500 Internal Server Error"},
	}, nil)

	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"hello"}`)
	waitTerminalAPI(t, srv, parsed["request_id"].(string))

	rr, parsed := doJSON(t, srv, http.MethodGet, "/api/reliability", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	providers := parsed["providers"].(map[string]any)
	claude := providers["claude"].(map[string]any)
	if claude["failure_count"].(float64) < 1 {
		t.Fatalf("expected recorded failure, got %v", claude)
	}

	rr, parsed = doJSON(t, srv, http.MethodPost, "/api/reliability/claude/reset", "")
	if rr.Code != http.StatusOK || parsed["success"] != true {
		t.Fatalf("unexpected reset response %d: %s", rr.Code, rr.Body.String())
	}

	rr, _ = doJSON(t, srv, http.MethodPost, "/api/reliability/mystery/reset", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown provider reset should 404, got %d", rr.Code)
	}
}

func TestCacheEndpointsDisabled(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	testCases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/cache/stats"},
		{http.MethodGet, "/api/cache/stats/detailed"},
		{http.MethodPost, "/api/cache/cleanup"},
		{http.MethodDelete, "/api/cache"},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr, _ := doJSON(t, srv, tc.method, tc.path, "")
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 with cache off, got %d: %s", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), "Cache not enabled") {
				t.Fatalf("unexpected body: %s", rr.Body.String())
			}
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	claude := &fakeBackend{response: "a response long enough to cache"}
	srv, _ := newTestServer(t, map[string]backend.Backend{"claude": claude}, func(cfg *config.Config) {
		cfg.Cache.Enabled = true
	})

	ask := `{"message":"summarize the plot of hamlet"}`
	_, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", ask)
	waitTerminalAPI(t, srv, parsed["request_id"].(string))

	rr, parsed := doJSON(t, srv, http.MethodPost, "/api/ask", ask)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["cached"] != true || parsed["status"] != "completed" {
		t.Fatalf("second ask should hit the cache: %v", parsed)
	}
	if claude.callCount() != 1 {
		t.Fatalf("backend should run once, ran %d times", claude.callCount())
	}

	rr, parsed = doJSON(t, srv, http.MethodGet, "/api/cache/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected stats status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["hits"].(float64) < 1 {
		t.Fatalf("expected at least one hit, got %v", parsed["hits"])
	}

	rr, parsed = doJSON(t, srv, http.MethodGet, "/api/cache/stats/detailed", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected detailed status %d: %s", rr.Code, rr.Body.String())
	}
	top := parsed["top_entries"].([]any)
	if len(top) != 1 {
		t.Fatalf("expected one cached entry, got %d", len(top))
	}
	entry := top[0].(map[string]any)
	if entry["response_preview"] != "a response long enough to cache" {
		t.Fatalf("unexpected preview %v", entry["response_preview"])
	}

	rr, parsed = doJSON(t, srv, http.MethodPost, "/api/cache/cleanup", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected cleanup status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["total_removed"] != float64(0) {
		t.Fatalf("nothing should be removed yet, got %v", parsed)
	}

	rr, parsed = doJSON(t, srv, http.MethodDelete, "/api/cache?provider=claude", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected clear status %d: %s", rr.Code, rr.Body.String())
	}
	if parsed["cleared"] != float64(1) || parsed["provider"] != "claude" {
		t.Fatalf("unexpected clear response %v", parsed)
	}
}

func TestQueueFullResponse(t *testing.T) {
	srv, _ := newTestServer(t, map[string]backend.Backend{
		"claude": &fakeBackend{response: "slow", delay: time.Second},
	}, func(cfg *config.Config) {
		cfg.MaxConcurrent = 1
		cfg.MaxQueueSize = 1
	})

	doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"first"}`)
	// Give the worker a beat to claim the first request.
	time.Sleep(100 * time.Millisecond)
	doJSON(t, srv, http.MethodPost, "/api/ask", `{"message":"second"}`)

	var rr *httptest.ResponseRecorder
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr, _ = doJSON(t, srv, http.MethodPost, "/api/ask", fmt.Sprintf(`{"message":"again %d"}`, time.Now().UnixNano()))
		if rr.Code == http.StatusServiceUnavailable {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Request queue is full") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestManagementAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)

	testCases := []struct {
		name       string
		header     map[string]string
		wantStatus int
	}{
		{
			name:       "missing key",
			header:     nil,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong key",
			header:     map[string]string{"X-Management-Key": "nope"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "valid key",
			header:     map[string]string{"X-Management-Key": "test-key"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "valid bearer token",
			header:     map[string]string{"Authorization": "Bearer test-key"},
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			srv.engine.ServeHTTP(rr, req)
			if rr.Code != tc.wantStatus {
				t.Fatalf("unexpected status %d (want %d): %s", rr.Code, tc.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestManagementLocalhostRestriction(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Management.RestrictToLocalhost = true
	})

	// httptest requests carry a non-loopback RemoteAddr.
	req := httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	req.Header.Set("X-Management-Key", "test-key")
	rr := httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-local request, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Management-Key", "test-key")
	rr = httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for loopback request, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("X-Management-Key", "test-key")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rr = httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("proxied request should be rejected, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestManagementConfigRoundTrip(t *testing.T) {
	var cfgPath string
	srv, gw := newTestServer(t, nil, func(cfg *config.Config) {
		cfgPath = filepath.Join(cfg.DataDir, "config.yaml")
		cfg.SetPath(cfgPath)
		if err := config.SaveConfig(cfgPath, cfg); err != nil {
			t.Fatalf("failed to seed config file: %v", err)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/v0/management/config", nil)
	req.Header.Set("X-Management-Key", "test-key")
	rr := httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected config get status %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "secret-key: $2") {
		t.Fatalf("config get must redact the management key: %s", rr.Body.String())
	}

	update := `
port: 8765
default-provider: claude
retry:
  enabled: true
  max-retries: 5
  base-delay-ms: 100
  max-delay-ms: 1000
  exponential-base: 2.0
providers:
  claude:
    type: cli
    enabled: true
management:
  restrict-to-localhost: false
`
	req = httptest.NewRequest(http.MethodPut, "/v0/management/config", strings.NewReader(update))
	req.Header.Set("X-Management-Key", "test-key")
	rr = httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected config update status %d: %s", rr.Code, rr.Body.String())
	}

	if got := gw.Config().Retry.MaxRetries; got != 5 {
		t.Fatalf("config update should apply immediately, max retries = %d", got)
	}
	// The management key survives a round trip that omitted it.
	if !gw.Config().CheckManagementKey("test-key") {
		t.Fatalf("management key was lost by the update")
	}

	req = httptest.NewRequest(http.MethodPut, "/v0/management/config", strings.NewReader("port: -5\n"))
	req.Header.Set("X-Management-Key", "test-key")
	rr = httptest.NewRecorder()
	srv.engine.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid config should 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestAuthLoginEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(cfg *config.Config) {
		cfg.Providers["claude"].OAuth = &config.OAuth{
			AuthURL:     "https://auth.example.com/authorize",
			TokenURL:    "https://auth.example.com/token",
			ClientID:    "client-1",
			RedirectURL: "http://localhost:8765/callback",
			Scopes:      []string{"chat"},
		}
	})

	rr, parsed := doJSON(t, srv, http.MethodPost, "/api/auth/claude/login", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	authURL, _ := parsed["auth_url"].(string)
	if !strings.HasPrefix(authURL, "https://auth.example.com/authorize?") {
		t.Fatalf("unexpected auth url %q", authURL)
	}
	if !strings.Contains(authURL, "client_id=client-1") {
		t.Fatalf("auth url missing client id: %q", authURL)
	}
	if parsed["state"] == "" {
		t.Fatalf("auth login should mint a state value")
	}

	rr, _ = doJSON(t, srv, http.MethodPost, "/api/auth/mystery/login", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown provider should 404, got %d", rr.Code)
	}
}
