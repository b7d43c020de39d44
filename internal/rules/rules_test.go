// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rules

import "testing"

func TestExcludeFromCache(t *testing.T) {
	e := NewEngine([]string{
		`message contains "today"`,
		`provider == "gemini" && len(message) < 10`,
	}, nil)

	tests := []struct {
		name     string
		provider string
		message  string
		want     bool
	}{
		{"pattern match", "claude", "what happened today in rome", true},
		{"provider and length", "gemini", "short", true},
		{"length rule other provider", "claude", "short", false},
		{"no match", "claude", "explain binary search trees", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.ExcludeFromCache(tt.provider, tt.message); got != tt.want {
				t.Errorf("ExcludeFromCache(%q, %q) = %v, want %v", tt.provider, tt.message, got, tt.want)
			}
		})
	}
}

func TestRoute(t *testing.T) {
	e := NewEngine(nil, []string{
		`message contains "write code" ? "codex" : ""`,
		`provider == "claude" && message contains "translate" ? "deepseek" : ""`,
	})

	tests := []struct {
		name     string
		provider string
		message  string
		want     string
	}{
		{"first rule wins", "claude", "please write code for me", "codex"},
		{"second rule", "claude", "translate this sentence", "deepseek"},
		{"no override", "claude", "hello there", ""},
		{"provider gate", "gemini", "translate this sentence", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Route(tt.provider, tt.message); got != tt.want {
				t.Errorf("Route(%q, %q) = %q, want %q", tt.provider, tt.message, got, tt.want)
			}
		})
	}
}

func TestInvalidRulesAreSkipped(t *testing.T) {
	e := NewEngine([]string{
		`message contains`, // does not compile
		`message contains "ok"`,
	}, []string{
		`1 +`, // does not compile
	})

	exclude, route := e.Counts()
	if exclude != 1 {
		t.Errorf("exclude count = %d, want 1", exclude)
	}
	if route != 0 {
		t.Errorf("route count = %d, want 0", route)
	}
	if !e.ExcludeFromCache("claude", "this is ok") {
		t.Error("surviving rule should still match")
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		exclude []string
		route   []string
		wantErr bool
	}{
		{"empty", nil, nil, false},
		{"valid", []string{`message contains "x"`}, []string{`"claude"`}, false},
		{"bad exclude", []string{`message contains`}, nil, true},
		{"non-bool exclude", []string{`len(message)`}, nil, true},
		{"bad route", nil, []string{`1 +`}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.exclude, tt.route)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if e.ExcludeFromCache("claude", "anything") {
		t.Error("nil engine must not exclude")
	}
	if got := e.Route("claude", "anything"); got != "" {
		t.Errorf("nil engine route = %q", got)
	}
}

func TestRouteIgnoresNonStringResults(t *testing.T) {
	e := NewEngine(nil, []string{
		`len(message)`, // integer result, ignored
		`"deepseek"`,
	})
	if got := e.Route("claude", "hello"); got != "deepseek" {
		t.Errorf("Route = %q, want deepseek", got)
	}
}
