// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reliability scores providers from observed outcomes so fallback
// ordering can prefer the providers that have actually been working.
package reliability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/traylinx/aibridge/internal/retry"
)

// reauthThreshold is the auth failure count at which a provider is pulled
// out of rotation until its credentials are refreshed.
const reauthThreshold = 3

// minHealthyScore is the score below which a provider is skipped for
// fallback selection.
const minHealthyScore = 0.3

type score struct {
	successCount     int
	failureCount     int
	timeoutCount     int
	authFailureCount int
	lastSuccess      *time.Time
	lastFailure      *time.Time
	lastAuthFailure  *time.Time
}

func (s *score) totalRequests() int {
	return s.successCount + s.failureCount + s.timeoutCount
}

// reliabilityScore blends success rate (70%) with an auth failure penalty
// (30%). A provider with no history scores a perfect 1.0 so new providers
// are not starved.
func (s *score) reliabilityScore() float64 {
	total := s.totalRequests()
	if total == 0 {
		return 1.0
	}
	successRate := float64(s.successCount) / float64(total)
	authPenalty := math.Min(float64(s.authFailureCount)*0.1, 0.3)
	v := successRate*0.7 + (1.0-authPenalty)*0.3
	return math.Max(0.0, math.Min(1.0, v))
}

func (s *score) healthy() bool {
	if s.authFailureCount >= reauthThreshold {
		return false
	}
	return s.reliabilityScore() >= minHealthyScore
}

func (s *score) needsReauth() bool {
	return s.authFailureCount >= reauthThreshold
}

// Snapshot is a point-in-time copy of one provider's reliability state.
type Snapshot struct {
	Provider         string     `json:"provider"`
	SuccessCount     int        `json:"success_count"`
	FailureCount     int        `json:"failure_count"`
	TimeoutCount     int        `json:"timeout_count"`
	AuthFailureCount int        `json:"auth_failure_count"`
	TotalRequests    int        `json:"total_requests"`
	ReliabilityScore float64    `json:"reliability_score"`
	IsHealthy        bool       `json:"is_healthy"`
	NeedsReauth      bool       `json:"needs_reauth"`
	LastSuccess      *time.Time `json:"last_success,omitempty"`
	LastFailure      *time.Time `json:"last_failure,omitempty"`
	LastAuthFailure  *time.Time `json:"last_auth_failure,omitempty"`
}

// Tracker accumulates outcome counts per provider. All state is in-memory;
// scores start fresh on process restart.
type Tracker struct {
	mu     sync.RWMutex
	scores map[string]*score
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{scores: make(map[string]*score)}
}

func (t *Tracker) scoreLocked(provider string) *score {
	s, ok := t.scores[provider]
	if !ok {
		s = &score{}
		t.scores[provider] = s
	}
	return s
}

// RecordSuccess counts one successful request for provider.
func (t *Tracker) RecordSuccess(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scoreLocked(provider)
	s.successCount++
	now := time.Now()
	s.lastSuccess = &now
}

// RecordFailure counts one failed request. Timeouts are tracked separately
// from other failures, and the error text is inspected for auth failure
// markers so repeated credential problems push the provider toward reauth.
func (t *Tracker) RecordFailure(provider, errText string, isTimeout bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scoreLocked(provider)
	if isTimeout {
		s.timeoutCount++
	} else {
		s.failureCount++
	}
	now := time.Now()
	if retry.DetectAuthFailure(errText, 0) {
		s.authFailureCount++
		s.lastAuthFailure = &now
	}
	s.lastFailure = &now
}

// RecordAuthFailure counts a failure already known to be an auth failure,
// bypassing text detection.
func (t *Tracker) RecordAuthFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scoreLocked(provider)
	s.failureCount++
	now := time.Now()
	s.authFailureCount++
	s.lastAuthFailure = &now
	s.lastFailure = &now
}

// ResetAuth clears the auth failure count after a successful re-login.
func (t *Tracker) ResetAuth(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scoreLocked(provider)
	s.authFailureCount = 0
	s.lastAuthFailure = nil
}

// NeedsReauth reports whether the provider has crossed the auth failure
// threshold.
func (t *Tracker) NeedsReauth(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[provider]
	return ok && s.needsReauth()
}

// Healthy filters providers down to the ones currently considered usable.
// Providers with no recorded history pass the filter.
func (t *Tracker) Healthy(providers []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		if s, ok := t.scores[p]; ok && !s.healthy() {
			continue
		}
		out = append(out, p)
	}
	return out
}

// BestFallback picks the healthy provider with the highest score from the
// chain, excluding the primary. Ties keep chain order. The second return is
// false when no healthy candidate remains.
func (t *Tracker) BestFallback(primary string, chain []string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	type candidate struct {
		provider string
		score    float64
	}
	candidates := make([]candidate, 0, len(chain))
	for _, p := range chain {
		if p == primary {
			continue
		}
		sc := 1.0
		if s, ok := t.scores[p]; ok {
			if !s.healthy() {
				continue
			}
			sc = s.reliabilityScore()
		}
		candidates = append(candidates, candidate{p, sc})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].provider, true
}

// Snapshot returns a copy of one provider's state. Unseen providers report
// a fresh, healthy score.
func (t *Tracker) Snapshot(provider string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scores[provider]
	if !ok {
		s = &score{}
	}
	return snapshotOf(provider, s)
}

// AllScores returns snapshots for every provider seen so far.
func (t *Tracker) AllScores() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Snapshot, len(t.scores))
	for p, s := range t.scores {
		out[p] = snapshotOf(p, s)
	}
	return out
}

func snapshotOf(provider string, s *score) Snapshot {
	return Snapshot{
		Provider:         provider,
		SuccessCount:     s.successCount,
		FailureCount:     s.failureCount,
		TimeoutCount:     s.timeoutCount,
		AuthFailureCount: s.authFailureCount,
		TotalRequests:    s.totalRequests(),
		ReliabilityScore: s.reliabilityScore(),
		IsHealthy:        s.healthy(),
		NeedsReauth:      s.needsReauth(),
		LastSuccess:      s.lastSuccess,
		LastFailure:      s.lastFailure,
		LastAuthFailure:  s.lastAuthFailure,
	}
}
