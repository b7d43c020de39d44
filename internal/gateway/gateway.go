// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package gateway is the request orchestrator. It owns the priority queue,
// the worker pool, and the request lifecycle: accept, persist, dispatch to a
// backend through the retry executor, record the outcome, and emit events at
// every transition. The HTTP layer talks to the Gateway; the Gateway talks
// to everything else.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/authflow"
	"github.com/traylinx/aibridge/internal/backend"
	"github.com/traylinx/aibridge/internal/cache"
	"github.com/traylinx/aibridge/internal/config"
	"github.com/traylinx/aibridge/internal/events"
	"github.com/traylinx/aibridge/internal/reliability"
	"github.com/traylinx/aibridge/internal/retry"
	"github.com/traylinx/aibridge/internal/rules"
	"github.com/traylinx/aibridge/internal/store"
	"github.com/traylinx/aibridge/internal/tokens"
)

var (
	// ErrEmptyMessage rejects submissions without a message body.
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrUnknownProvider rejects submissions naming a provider or group
	// that no enabled backend serves.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrQueueFull rejects submissions when the queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")
)

// QueueFullMessage is the error recorded on requests rejected at capacity.
const QueueFullMessage = "Request queue is full. Try again later."

// maintenanceInterval paces background cache and store cleanup.
const maintenanceInterval = 10 * time.Minute

// defaultPriority is assigned when a submission does not specify one.
const defaultPriority = 50

// SubmitOptions carries one submission. Provider may be a provider name, an
// "@group" reference, or empty to let routing rules and the configured
// default decide.
type SubmitOptions struct {
	Provider string
	Message  string
	Model    string
	Priority int
	Timeout  time.Duration
	NoCache  bool
	Metadata map[string]any
	// Stream publishes stream_chunk events on the bus as backend output
	// arrives, so an observer can relay partial output live.
	Stream bool
}

// Submission is the outcome of a Submit call. A group submission carries one
// request id per member; a cache hit is already terminal when returned.
type Submission struct {
	IDs    []string
	Group  string
	Status store.Status
	Cached bool
}

// QueueStats is a point-in-time view of queue and worker occupancy.
type QueueStats struct {
	Depth      int            `json:"depth"`
	Processing int            `json:"processing"`
	MaxSize    int            `json:"max_size"`
	ByProvider map[string]int `json:"by_provider"`
}

// inflight tracks a request currently held by a worker so Cancel can reach
// into its execution.
type inflight struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Gateway coordinates the full request lifecycle.
type Gateway struct {
	store    store.RequestStore
	cache    *cache.Manager
	tracker  *reliability.Tracker
	bus      *events.Bus
	backends map[string]backend.Backend
	queue    *requestQueue

	// cfgMu guards the pieces a config reload swaps out.
	cfgMu    sync.RWMutex
	cfg      *config.Config
	engine   *rules.Engine
	executor *retry.Executor

	mu       sync.Mutex
	inflight map[string]*inflight

	active    atomic.Int64
	startedAt time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Deps are the collaborators a Gateway is built from. All fields are
// required except Rules, which may be nil when no rules are configured.
type Deps struct {
	Store    store.RequestStore
	Cache    *cache.Manager
	Rules    *rules.Engine
	Tracker  *reliability.Tracker
	Bus      *events.Bus
	Backends map[string]backend.Backend
}

// New wires a Gateway over its collaborators. Start must be called before
// submissions are processed.
func New(cfg *config.Config, deps Deps) *Gateway {
	baseCtx, cancelBase := context.WithCancel(context.Background())

	queueSize := cfg.MaxQueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	g := &Gateway{
		cfg:        cfg,
		store:      deps.Store,
		cache:      deps.Cache,
		engine:     deps.Rules,
		tracker:    deps.Tracker,
		bus:        deps.Bus,
		backends:   deps.Backends,
		queue:      newRequestQueue(queueSize),
		inflight:   make(map[string]*inflight),
		startedAt:  time.Now(),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
	g.executor = g.buildExecutor(cfg)
	return g
}

// buildExecutor assembles the retry executor for the current backend set
// under the given config's retry and fallback budgets.
func (g *Gateway) buildExecutor(cfg *config.Config) *retry.Executor {
	chains := make(map[string][]string, len(g.backends))
	rateLimitProne := make(map[string]bool, len(g.backends))
	for name := range g.backends {
		chains[name] = cfg.Fallbacks(name)
		if p := cfg.GetProvider(name); p != nil {
			rateLimitProne[name] = p.RateLimitProne
		}
	}

	exec := retry.NewExecutor(retry.ConfigFromSettings(cfg.Retry), g.backends, chains, rateLimitProne)
	exec.OnAttempt = g.recordAttempt
	exec.OnRetry = func(req *backend.Request, attempt int, delay time.Duration, class retry.Class) {
		if err := g.store.MarkRetrying(context.Background(), req.ID, attempt); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warnf("Failed to mark request %s retrying: %v", req.ID, err)
		}
		g.bus.Emit(events.TypeRetrying, req.ID, req.Provider, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"class":    string(class),
		})
	}
	exec.OnFallback = func(req *backend.Request, from, to string, fallbackIndex int) {
		g.bus.Emit(events.TypeFallback, req.ID, from, map[string]any{
			"from":     from,
			"to":       to,
			"position": fallbackIndex,
		})
	}
	return exec
}

// Reload applies the mutable parts of a new configuration: retry and
// fallback budgets, routing and cache-exclusion rules, and cache settings.
// Provider topology and storage selection still require a restart.
func (g *Gateway) Reload(cfg *config.Config) {
	engine := rules.NewEngine(cfg.Cache.ExcludeRules, cfg.RouteRules)
	exec := g.buildExecutor(cfg)

	g.cfgMu.Lock()
	g.cfg = cfg
	g.engine = engine
	g.executor = exec
	g.cfgMu.Unlock()

	if g.cache != nil {
		g.cache.UpdateConfig(cfg.Cache, engine)
	}
	exclude, route := engine.Counts()
	log.Infof("Gateway configuration reloaded: %d cache exclude rules, %d route rules", exclude, route)
}

// configAndRules snapshots the reload-guarded config and rules engine.
func (g *Gateway) configAndRules() (*config.Config, *rules.Engine) {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg, g.engine
}

func (g *Gateway) currentExecutor() *retry.Executor {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.executor
}

// BuildBackends constructs one backend per enabled provider. CLI and
// terminal providers share the process backend; HTTP providers get the REST
// client.
func BuildBackends(cfg *config.Config) map[string]backend.Backend {
	estimator := tokens.NewEstimator(cfg.TokenEstimator)
	flow := authflow.NewFlow(cfg.AuthFlow)

	backends := make(map[string]backend.Backend)
	for name, p := range cfg.Providers {
		if p == nil || !p.Enabled {
			continue
		}
		switch p.Type {
		case config.BackendHTTP:
			backends[name] = backend.NewHTTPBackend(name, *p)
		default:
			backends[name] = backend.NewProcessBackend(name, *p, estimator, flow)
		}
	}
	return backends
}

// recordAttempt feeds every execution attempt into the reliability tracker.
func (g *Gateway) recordAttempt(req *backend.Request, result *backend.Result, class retry.Class) {
	switch {
	case class == retry.ClassSuccess:
		g.tracker.RecordSuccess(req.Provider)
	case class == retry.ClassNonRetryableAuth:
		g.tracker.RecordAuthFailure(req.Provider)
	default:
		g.tracker.RecordFailure(req.Provider, result.Error, result.MetaBool(backend.MetaTimedOut))
	}
}

// Start launches the worker pool and the maintenance loop. Calling Start
// more than once is a no-op.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		cfg, _ := g.configAndRules()
		workers := cfg.MaxConcurrent
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			g.wg.Add(1)
			go g.worker()
		}
		g.wg.Add(1)
		go g.maintenance()
		log.Infof("Gateway started: %d workers, queue capacity %d, %d providers",
			workers, g.queue.capacity(), len(g.backends))
	})
}

// Submit accepts a request for execution. Group submissions fan out to one
// request per member. A cache hit on a single-provider submission completes
// immediately without queueing.
func (g *Gateway) Submit(ctx context.Context, opts SubmitOptions) (*Submission, error) {
	message := strings.TrimSpace(opts.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	cfg, engine := g.configAndRules()
	targets, group, err := g.resolveTargets(cfg, engine, opts.Provider, message)
	if err != nil {
		return nil, err
	}

	priority := opts.Priority
	if priority == 0 {
		priority = defaultPriority
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	}

	// Single-provider submissions check the cache before touching the queue.
	if group == "" && !opts.NoCache {
		if sub := g.completeFromCache(ctx, targets[0], message, priority, opts); sub != nil {
			return sub, nil
		}
	}

	records := make([]*store.Record, 0, len(targets))
	tasks := make([]*task, 0, len(targets))
	for _, provider := range targets {
		metadata := cloneMetadata(opts.Metadata)
		if group != "" {
			if metadata == nil {
				metadata = map[string]any{}
			}
			metadata["group"] = group
		}
		rec := &store.Record{
			ID:       uuid.NewString(),
			Provider: provider,
			Message:  message,
			Model:    opts.Model,
			Priority: priority,
			Timeout:  timeout,
			NoCache:  opts.NoCache,
			Metadata: metadata,
		}
		if err := g.store.Create(ctx, rec); err != nil {
			g.abortCreated(ctx, records)
			return nil, fmt.Errorf("failed to persist request: %w", err)
		}
		records = append(records, rec)
		tasks = append(tasks, &task{rec: rec, priority: priority, stream: opts.Stream})
	}

	if !g.queue.enqueueAll(tasks) {
		for _, rec := range records {
			g.finishRejected(ctx, rec.ID, QueueFullMessage)
		}
		return nil, ErrQueueFull
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		g.bus.Emit(events.TypeSubmitted, rec.ID, rec.Provider, map[string]any{
			"message_preview": preview(message, 100),
			"priority":        priority,
			"group":           group,
		})
	}
	return &Submission{IDs: ids, Group: group, Status: store.StatusQueued}, nil
}

// resolveTargets expands the provider spec into concrete backend names.
func (g *Gateway) resolveTargets(cfg *config.Config, engine *rules.Engine, spec, message string) ([]string, string, error) {
	if strings.HasPrefix(spec, "@") {
		name := strings.TrimPrefix(spec, "@")
		members, ok := cfg.Group(name)
		if !ok {
			return nil, "", fmt.Errorf("%w: unknown provider or group: %s", ErrUnknownProvider, spec)
		}
		available := make([]string, 0, len(members))
		for _, m := range members {
			if _, ok := g.backends[m]; ok {
				available = append(available, m)
			}
		}
		if len(available) == 0 {
			return nil, "", fmt.Errorf("%w: group %s has no enabled providers", ErrUnknownProvider, spec)
		}
		return available, spec, nil
	}

	provider := spec
	if provider == "" {
		// Routing rules only steer requests that did not name a provider.
		provider = engine.Route("", message)
	}
	if provider == "" {
		provider = cfg.DefaultProvider
	}
	if _, ok := g.backends[provider]; !ok {
		return nil, "", fmt.Errorf("%w: %s (available: %s)", ErrUnknownProvider, provider, strings.Join(g.providerNames(), ", "))
	}
	return []string{provider}, "", nil
}

// completeFromCache serves a submission from the response cache, writing a
// terminal record so the request is visible in history like any other.
func (g *Gateway) completeFromCache(ctx context.Context, provider, message string, priority int, opts SubmitOptions) *Submission {
	entry, ok := g.cache.Get(ctx, provider, message, opts.Model)
	if !ok {
		return nil
	}

	metadata := cloneMetadata(opts.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["cached"] = true
	metadata["cache_key"] = entry.CacheKey

	rec := &store.Record{
		ID:       uuid.NewString(),
		Provider: provider,
		Message:  message,
		Model:    opts.Model,
		Priority: priority,
		Metadata: metadata,
	}
	if err := g.store.Create(ctx, rec); err != nil {
		log.Warnf("Failed to persist cached request: %v", err)
		return nil
	}
	final := &store.Record{
		ID:           rec.ID,
		Status:       store.StatusCompleted,
		Success:      true,
		Response:     entry.Response,
		ProviderUsed: provider,
		OutputTokens: entry.TokensUsed,
		LatencyMS:    0,
		Cached:       true,
	}
	if err := g.store.Finish(ctx, final); err != nil {
		log.Warnf("Failed to finish cached request: %v", err)
	}

	g.bus.Emit(events.TypeSubmitted, rec.ID, provider, map[string]any{
		"message_preview": preview(message, 100),
		"cached":          true,
	})
	g.bus.Emit(events.TypeCompleted, rec.ID, provider, map[string]any{
		"cached":     true,
		"latency_ms": int64(0),
	})
	return &Submission{IDs: []string{rec.ID}, Status: store.StatusCompleted, Cached: true}
}

// abortCreated fails records already persisted when a later sibling in the
// same submission could not be, so no orphan sits queued forever.
func (g *Gateway) abortCreated(ctx context.Context, records []*store.Record) {
	for _, rec := range records {
		g.finishRejected(ctx, rec.ID, "submission aborted: store failure")
	}
}

func (g *Gateway) finishRejected(ctx context.Context, id, reason string) {
	err := g.store.Finish(ctx, &store.Record{ID: id, Status: store.StatusFailed, Error: reason})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warnf("Failed to record rejection for request %s: %v", id, err)
	}
}

// worker pulls tasks until the queue closes.
func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		t, ok := g.queue.dequeue()
		if !ok {
			return
		}
		g.process(t)
	}
}

// process runs one request to a terminal state.
func (g *Gateway) process(t *task) {
	rec := t.rec

	reqCtx, cancel := context.WithCancel(g.baseCtx)
	fl := &inflight{cancel: cancel}
	g.mu.Lock()
	g.inflight[rec.ID] = fl
	g.mu.Unlock()
	defer func() {
		cancel()
		g.mu.Lock()
		delete(g.inflight, rec.ID)
		g.mu.Unlock()
	}()

	g.active.Add(1)
	defer g.active.Add(-1)

	if err := g.store.MarkProcessing(reqCtx, rec.ID); err != nil {
		// The record was cancelled (or purged) between enqueue and pickup.
		if !errors.Is(err, store.ErrNotFound) {
			log.Warnf("Failed to mark request %s processing: %v", rec.ID, err)
		}
		return
	}
	g.bus.Emit(events.TypeStarted, rec.ID, rec.Provider, map[string]any{
		"priority": rec.Priority,
	})

	req := &backend.Request{
		ID:       rec.ID,
		Provider: rec.Provider,
		Model:    rec.Model,
		Message:  rec.Message,
		Timeout:  rec.Timeout,
		NoCache:  rec.NoCache,
		Metadata: rec.Metadata,
	}
	if t.stream {
		// req.Provider tracks the attempt's provider across fallbacks, so
		// chunks are attributed to whoever actually produced them.
		req.Stream = func(chunk string) {
			g.bus.Emit(events.TypeStreamChunk, rec.ID, req.Provider, map[string]any{
				"chunk": chunk,
			})
		}
	}
	result, state := g.currentExecutor().Execute(reqCtx, req)

	if fl.cancelled.Load() {
		// Cancel already wrote the terminal record and emitted the event.
		log.Debugf("Request %s cancelled during execution", rec.ID)
		return
	}

	if result.Success && !rec.NoCache {
		g.storeInCache(rec, state.CurrentProvider, result)
	}

	final := &store.Record{
		ID:           rec.ID,
		Success:      result.Success,
		Response:     result.Response,
		Error:        result.Error,
		ProviderUsed: state.CurrentProvider,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		LatencyMS:    result.Latency.Milliseconds(),
		Attempts:     state.TotalAttempts,
		RetrySummary: state.Summary(),
	}
	if result.Success {
		final.Status = store.StatusCompleted
	} else {
		final.Status = store.StatusFailed
	}

	// The outcome write must survive request-context cancellation.
	if err := g.store.Finish(context.Background(), final); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the terminal-write race to Cancel.
			return
		}
		log.Errorf("Failed to record outcome for request %s: %v", rec.ID, err)
	}

	if result.Success {
		g.bus.Emit(events.TypeCompleted, rec.ID, state.CurrentProvider, map[string]any{
			"provider_used": state.CurrentProvider,
			"latency_ms":    result.Latency.Milliseconds(),
			"tokens":        result.InputTokens + result.OutputTokens,
			"attempts":      state.TotalAttempts,
			"cached":        false,
		})
	} else {
		g.bus.Emit(events.TypeFailed, rec.ID, state.CurrentProvider, map[string]any{
			"error":    preview(result.Error, 200),
			"attempts": state.TotalAttempts,
		})
	}
}

func (g *Gateway) storeInCache(rec *store.Record, provider string, result *backend.Result) {
	var metadata map[string]any
	if rec.Model != "" {
		metadata = map[string]any{"model": rec.Model}
	}
	_, err := g.cache.Put(context.Background(), cache.PutRequest{
		Provider:   provider,
		Message:    rec.Message,
		Response:   result.Response,
		Model:      rec.Model,
		TokensUsed: result.InputTokens + result.OutputTokens,
		Metadata:   metadata,
	})
	if err != nil {
		log.Warnf("Failed to cache response for request %s: %v", rec.ID, err)
	}
}

// Cancel stops a request. Queued requests leave the queue; processing
// requests get their context cancelled. Reports false when the request is
// already terminal or unknown.
func (g *Gateway) Cancel(ctx context.Context, id string) bool {
	if g.queue.remove(id) {
		if ok, err := g.store.Cancel(ctx, id); err != nil || !ok {
			log.Warnf("Dequeued request %s but could not mark it cancelled: ok=%v err=%v", id, ok, err)
		}
		g.bus.Emit(events.TypeCancelled, id, "", nil)
		return true
	}

	g.mu.Lock()
	fl := g.inflight[id]
	g.mu.Unlock()
	if fl == nil {
		return false
	}

	// The store is the serialization point: whoever writes the terminal
	// status first wins, the other side backs off.
	ok, err := g.store.Cancel(ctx, id)
	if err != nil {
		log.Warnf("Failed to cancel request %s: %v", id, err)
		return false
	}
	if !ok {
		return false
	}
	fl.cancelled.Store(true)
	fl.cancel()
	g.bus.Emit(events.TypeCancelled, id, "", nil)
	return true
}

// WaitResult polls until the request reaches a terminal status or the wait
// budget expires, returning the latest record either way.
func (g *Gateway) WaitResult(ctx context.Context, id string, wait time.Duration) (*store.Record, error) {
	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() || wait <= 0 {
		return rec, nil
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
			rec, err = g.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec.Status.Terminal() || time.Now().After(deadline) {
				return rec, nil
			}
		}
	}
}

// maintenance periodically expires cache entries and prunes old records.
func (g *Gateway) maintenance() {
	defer g.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.baseCtx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			expired := g.cache.CleanupExpired(ctx)
			excess := g.cache.EnforceMaxEntries(ctx)
			if expired+excess > 0 {
				log.Debugf("Cache maintenance removed %d expired and %d excess entries", expired, excess)
			}
			cfg, _ := g.configAndRules()
			if days := cfg.Storage.RetentionDays; days > 0 {
				if _, err := g.store.Cleanup(ctx, time.Duration(days)*24*time.Hour); err != nil {
					log.Warnf("Request store cleanup failed: %v", err)
				}
			}
			cancel()
		}
	}
}

// Shutdown drains the queue, cancels in-flight work, and waits for workers
// up to the context deadline. Requests still queued are failed so no record
// is left dangling in a non-terminal state.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var remaining []*task
	g.stopOnce.Do(func() {
		remaining = g.queue.close()
		g.cancelBase()
	})
	for _, t := range remaining {
		g.finishRejected(context.Background(), t.rec.ID, "gateway shut down before execution")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("Gateway stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Uptime reports how long the gateway has been running.
func (g *Gateway) Uptime() time.Duration {
	return time.Since(g.startedAt)
}

// QueueStats reports queue depth and worker occupancy.
func (g *Gateway) QueueStats() QueueStats {
	return QueueStats{
		Depth:      g.queue.depth(),
		Processing: int(g.active.Load()),
		MaxSize:    g.queue.capacity(),
		ByProvider: g.queue.byProvider(),
	}
}

// Providers returns the names of registered backends, sorted.
func (g *Gateway) Providers() []string {
	return g.providerNames()
}

// Backend returns the named backend, or nil.
func (g *Gateway) Backend(name string) backend.Backend {
	return g.backends[name]
}

// Store exposes the request store to the HTTP layer.
func (g *Gateway) Store() store.RequestStore { return g.store }

// CacheManager exposes the response cache to the HTTP layer.
func (g *Gateway) CacheManager() *cache.Manager { return g.cache }

// Tracker exposes the reliability tracker to the HTTP layer.
func (g *Gateway) Tracker() *reliability.Tracker { return g.tracker }

// Bus exposes the event bus for subscribers.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Config exposes the active configuration.
func (g *Gateway) Config() *config.Config {
	cfg, _ := g.configAndRules()
	return cfg
}

func (g *Gateway) providerNames() []string {
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
