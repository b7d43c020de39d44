// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import "time"

// AttemptRecord captures one execution attempt, successful or not.
type AttemptRecord struct {
	Provider  string    `json:"provider"`
	Error     string    `json:"error,omitempty"`
	Class     Class     `json:"class"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// State tracks the decision path of one request through the retry loop.
// It is created once per request and accumulates until a terminal result.
type State struct {
	OriginalProvider string
	CurrentProvider  string
	// Attempt counts retries on the current provider, starting at 0.
	Attempt int
	// TotalAttempts counts executions across all providers.
	TotalAttempts int
	// FallbackIndex is the position in the fallback chain, -1 before any
	// fallback is used.
	FallbackIndex int
	Attempts      []AttemptRecord
	StartedAt     time.Time
}

// NewState starts retry bookkeeping for a request targeting provider.
func NewState(provider string) *State {
	return &State{
		OriginalProvider: provider,
		CurrentProvider:  provider,
		FallbackIndex:    -1,
		StartedAt:        time.Now(),
	}
}

func (s *State) recordFailure(provider, errText string, class Class) {
	s.Attempts = append(s.Attempts, AttemptRecord{
		Provider:  provider,
		Error:     errText,
		Class:     class,
		Attempt:   s.Attempt,
		Timestamp: time.Now(),
	})
}

func (s *State) recordSuccess(provider string) {
	s.Attempts = append(s.Attempts, AttemptRecord{
		Provider:  provider,
		Class:     ClassSuccess,
		Attempt:   s.Attempt,
		Timestamp: time.Now(),
	})
}

// FailedAttempts returns only the failed attempt records.
func (s *State) FailedAttempts() []AttemptRecord {
	out := make([]AttemptRecord, 0, len(s.Attempts))
	for _, a := range s.Attempts {
		if a.Class != ClassSuccess {
			out = append(out, a)
		}
	}
	return out
}

// Summary condenses the state for request metadata and API responses.
func (s *State) Summary() map[string]any {
	return map[string]any{
		"original_provider": s.OriginalProvider,
		"final_provider":    s.CurrentProvider,
		"total_attempts":    s.TotalAttempts,
		"fallback_used":     s.FallbackIndex >= 0,
		"fallback_index":    s.FallbackIndex,
		"attempts":          s.Attempts,
		"total_time_ms":     time.Since(s.StartedAt).Milliseconds(),
	}
}
