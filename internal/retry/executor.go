// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/backend"
)

// Executor runs requests with retry and fallback logic. Attempts within one
// request are strictly sequential; the classification of each failure
// decides the next action.
type Executor struct {
	cfg      Config
	backends map[string]backend.Backend
	chains   map[string][]string
	// rateLimitProne marks providers whose rate-limit cool-downs need the
	// raised timeout treatment.
	rateLimitProne map[string]bool

	// OnAttempt fires after every attempt with its classified outcome,
	// success included. req.Provider is the provider that ran the attempt.
	OnAttempt func(req *backend.Request, result *backend.Result, class Class)
	// OnRetry fires before sleeping ahead of a same-provider retry.
	OnRetry func(req *backend.Request, attempt int, delay time.Duration, class Class)
	// OnFallback fires when the loop advances to a fallback provider.
	OnFallback func(req *backend.Request, from, to string, fallbackIndex int)

	// sleep is context-aware and replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor over the registered backends. The chains
// map is consulted per request and filtered to registered providers.
func NewExecutor(cfg Config, backends map[string]backend.Backend, chains map[string][]string, rateLimitProne map[string]bool) *Executor {
	return &Executor{
		cfg:            cfg,
		backends:       backends,
		chains:         chains,
		rateLimitProne: rateLimitProne,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute drives the request to a terminal result. It returns the final
// backend result (the last failure when everything is exhausted) together
// with the accumulated retry state. The request's Provider and Timeout
// fields are rewritten as the loop advances.
func (e *Executor) Execute(ctx context.Context, req *backend.Request) (*backend.Result, *State) {
	state := NewState(req.Provider)

	if !e.cfg.Enabled {
		result := e.executeOnce(ctx, req)
		state.TotalAttempts = 1
		if result.Success {
			state.recordSuccess(req.Provider)
			e.notifyAttempt(req, result, ClassSuccess)
		} else {
			code := ExtractStatusCode(result.Error)
			class := Classify(result.Error, code)
			state.recordFailure(req.Provider, result.Error, class)
			e.notifyAttempt(req, result, class)
		}
		return result, state
	}

	fallbacks := e.availableFallbacks(state.OriginalProvider)

	for {
		result := e.executeWithRetries(ctx, req, state)
		if result.Success {
			return result, state
		}
		if ctx.Err() != nil || !e.cfg.FallbackEnabled {
			return result, state
		}

		state.FallbackIndex++
		if state.FallbackIndex >= len(fallbacks) {
			return result, state
		}

		next := fallbacks[state.FallbackIndex]
		log.WithField("request_id", req.ID).Infof("Falling back from %s to %s (chain position %d)", req.Provider, next, state.FallbackIndex)
		if e.OnFallback != nil {
			e.OnFallback(req, req.Provider, next, state.FallbackIndex)
		}
		state.CurrentProvider = next
		req.Provider = next
		state.Attempt = 0
	}
}

// executeWithRetries runs the bounded retry loop for the current provider.
func (e *Executor) executeWithRetries(ctx context.Context, req *backend.Request, state *State) *backend.Result {
	var last *backend.Result

	for state.Attempt <= e.cfg.MaxRetries {
		state.TotalAttempts++

		result := e.executeOnce(ctx, req)
		if result.Success {
			state.recordSuccess(req.Provider)
			e.notifyAttempt(req, result, ClassSuccess)
			return result
		}
		last = result

		code := ExtractStatusCode(result.Error)
		if s, ok := result.Metadata[backend.MetaHTTPStatus].(int); ok && s != 0 {
			code = s
		}
		class := Classify(result.Error, code)
		if result.AuthRequired() {
			class = ClassNonRetryableAuth
		}
		state.recordFailure(state.CurrentProvider, result.Error, class)
		e.notifyAttempt(req, result, class)
		log.WithField("request_id", req.ID).Warnf("Attempt %d on %s failed (%s): %s", state.Attempt, req.Provider, class, snip(result.Error, 200))

		if !class.IsRetryable() {
			break
		}

		state.Attempt++
		if state.Attempt > e.cfg.MaxRetries {
			break
		}

		delay := e.cfg.Delay(state.Attempt - 1)
		if class == ClassRetryableRateLimit {
			if delay < e.cfg.RateLimitMinDelay {
				delay = e.cfg.RateLimitMinDelay
			}
			if e.rateLimitProne[req.Provider] && req.Timeout < e.cfg.RateLimitMinTimeout {
				req.Timeout = e.cfg.RateLimitMinTimeout
			}
		}

		if e.OnRetry != nil {
			e.OnRetry(req, state.Attempt, delay, class)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return last
		}
	}

	if last == nil {
		last = backend.Fail("no result from execution")
	}
	return last
}

func (e *Executor) notifyAttempt(req *backend.Request, result *backend.Result, class Class) {
	if e.OnAttempt != nil {
		e.OnAttempt(req, result, class)
	}
}

// executeOnce runs a single attempt with the request's timeout applied.
func (e *Executor) executeOnce(ctx context.Context, req *backend.Request) *backend.Result {
	b, ok := e.backends[req.Provider]
	if !ok {
		return backend.Fail("no backend available for provider: " + req.Provider)
	}

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := b.Execute(attemptCtx, req)
	if err != nil {
		return backend.Fail(err.Error())
	}
	if result == nil {
		return backend.Fail("backend returned no result")
	}
	return result
}

// availableFallbacks filters the provider's chain to registered backends.
func (e *Executor) availableFallbacks(provider string) []string {
	chain := e.chains[provider]
	out := make([]string, 0, len(chain))
	for _, p := range chain {
		if _, ok := e.backends[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func snip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
