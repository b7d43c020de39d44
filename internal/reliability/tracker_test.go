// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package reliability

import (
	"math"
	"sync"
	"testing"
)

func TestSnapshot_FreshProviderIsPerfect(t *testing.T) {
	tr := NewTracker()
	snap := tr.Snapshot("claude")
	if snap.ReliabilityScore != 1.0 {
		t.Errorf("score = %v, want 1.0 for unseen provider", snap.ReliabilityScore)
	}
	if !snap.IsHealthy || snap.NeedsReauth {
		t.Errorf("unseen provider healthy=%v needsReauth=%v", snap.IsHealthy, snap.NeedsReauth)
	}
	if snap.TotalRequests != 0 {
		t.Errorf("total = %d, want 0", snap.TotalRequests)
	}
}

func TestScoreFormula(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		auth      int
		want      float64
	}{
		{"all success", 10, 0, 0, 1.0},
		{"70 percent success", 7, 3, 0, 0.79},
		{"70 percent success with auth penalty", 7, 3, 2, 0.73},
		{"all failure", 0, 10, 0, 0.3},
		{"auth penalty capped", 5, 5, 5, 0.56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			for i := 0; i < tt.successes; i++ {
				tr.RecordSuccess("p")
			}
			for i := 0; i < tt.failures-tt.auth; i++ {
				tr.RecordFailure("p", "connection reset", false)
			}
			for i := 0; i < tt.auth; i++ {
				tr.RecordFailure("p", "invalid api key", false)
			}
			got := tr.Snapshot("p").ReliabilityScore
			if math.Abs(got-tt.want) > 0.0001 {
				t.Errorf("score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordFailure_TimeoutsCountSeparately(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("p", "request timed out", true)
	snap := tr.Snapshot("p")
	if snap.TimeoutCount != 1 || snap.FailureCount != 0 {
		t.Errorf("timeout=%d failure=%d, want 1/0", snap.TimeoutCount, snap.FailureCount)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("total = %d, want 1", snap.TotalRequests)
	}
}

func TestRecordFailure_DetectsAuthText(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("p", "please login to continue", false)
	tr.RecordFailure("p", "connection refused", false)
	snap := tr.Snapshot("p")
	if snap.AuthFailureCount != 1 {
		t.Errorf("auth failures = %d, want 1", snap.AuthFailureCount)
	}
}

func TestRepeatedAuthFailuresForceReauth(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 10; i++ {
		tr.RecordFailure("gemini", "oauth token expired", false)
	}
	snap := tr.Snapshot("gemini")
	if !snap.NeedsReauth {
		t.Error("NeedsReauth = false after 10 auth failures")
	}
	if snap.IsHealthy {
		t.Error("IsHealthy = true after 10 auth failures")
	}
	if got := tr.Healthy([]string{"gemini", "claude"}); len(got) != 1 || got[0] != "claude" {
		t.Errorf("Healthy = %v, want [claude]", got)
	}
	if _, ok := tr.BestFallback("claude", []string{"gemini"}); ok {
		t.Error("BestFallback returned a provider needing reauth")
	}
}

func TestResetAuth_RestoresHealth(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 3; i++ {
		tr.RecordFailure("codex", "authentication failed", false)
	}
	if !tr.NeedsReauth("codex") {
		t.Fatal("expected reauth needed at threshold")
	}
	tr.ResetAuth("codex")
	snap := tr.Snapshot("codex")
	if snap.NeedsReauth {
		t.Error("NeedsReauth still true after reset")
	}
	// Score: zero successes over three failures, no auth penalty.
	if math.Abs(snap.ReliabilityScore-0.3) > 0.0001 {
		t.Errorf("score = %v, want 0.3", snap.ReliabilityScore)
	}
	if !snap.IsHealthy {
		t.Error("provider at the score floor should still be healthy")
	}
}

func TestBestFallback_PrefersHigherScore(t *testing.T) {
	tr := NewTracker()
	tr.RecordFailure("deepseek", "connection reset", false)
	tr.RecordFailure("deepseek", "connection reset", false)
	tr.RecordSuccess("qwen")

	got, ok := tr.BestFallback("claude", []string{"deepseek", "qwen"})
	if !ok || got != "qwen" {
		t.Errorf("BestFallback = %q/%v, want qwen", got, ok)
	}
}

func TestBestFallback_TiesKeepChainOrder(t *testing.T) {
	tr := NewTracker()
	got, ok := tr.BestFallback("claude", []string{"deepseek", "gemini"})
	if !ok || got != "deepseek" {
		t.Errorf("BestFallback = %q/%v, want deepseek (first in chain)", got, ok)
	}
}

func TestBestFallback_ExcludesPrimary(t *testing.T) {
	tr := NewTracker()
	if got, ok := tr.BestFallback("claude", []string{"claude"}); ok {
		t.Errorf("BestFallback returned the primary %q", got)
	}
}

func TestBestFallback_EmptyWhenNoneHealthy(t *testing.T) {
	tr := NewTracker()
	for _, p := range []string{"a", "b"} {
		for i := 0; i < 3; i++ {
			tr.RecordFailure(p, "invalid api key", false)
		}
	}
	if got, ok := tr.BestFallback("claude", []string{"a", "b"}); ok {
		t.Errorf("BestFallback = %q, want none", got)
	}
}

func TestAllScores_OnlySeenProviders(t *testing.T) {
	tr := NewTracker()
	tr.RecordSuccess("claude")
	tr.RecordFailure("gemini", "quota exceeded", false)
	all := tr.AllScores()
	if len(all) != 2 {
		t.Fatalf("AllScores has %d entries, want 2", len(all))
	}
	if _, ok := all["claude"]; !ok {
		t.Error("claude missing from AllScores")
	}
}

func TestConcurrentRecording(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.RecordSuccess("p")
		}()
		go func() {
			defer wg.Done()
			tr.RecordFailure("p", "connection reset", false)
		}()
	}
	wg.Wait()
	snap := tr.Snapshot("p")
	if snap.TotalRequests != 100 {
		t.Errorf("total = %d, want 100", snap.TotalRequests)
	}
	if snap.SuccessCount != 50 || snap.FailureCount != 50 {
		t.Errorf("success/failure = %d/%d, want 50/50", snap.SuccessCount, snap.FailureCount)
	}
}
