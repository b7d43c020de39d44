// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package authflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/traylinx/aibridge/internal/config"
)

func TestExtractURL(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "google oauth url",
			text: "Please visit https://accounts.google.com/o/oauth2/v2/auth?client_id=abc to continue",
			want: "https://accounts.google.com/o/oauth2/v2/auth?client_id=abc",
		},
		{
			name: "authorize url",
			text: "open this: https://example.com/authorize?x=1 now",
			want: "https://example.com/authorize?x=1",
		},
		{
			name: "auth code url",
			text: "link https://api.example.com/auth/device/code?user=1\nrest",
			want: "https://api.example.com/auth/device/code?user=1",
		},
		{
			name: "quoted url stops at quote",
			text: `url="https://accounts.google.com/o/oauth2/auth?c=1" end`,
			want: "https://accounts.google.com/o/oauth2/auth?c=1",
		},
		{
			name: "no url",
			text: "everything worked fine",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractURL(tt.text); got != tt.want {
				t.Errorf("ExtractURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenBrowser(t *testing.T) {
	f := NewFlow(config.AuthFlowConfig{AutoOpenBrowser: true})

	var opened string
	f.openURL = func(url string) error {
		opened = url
		return nil
	}
	if !f.OpenBrowser("https://example.com/auth") {
		t.Error("OpenBrowser = false, want true")
	}
	if opened != "https://example.com/auth" {
		t.Errorf("opened %q", opened)
	}

	f.openURL = func(string) error { return errors.New("no display") }
	if f.OpenBrowser("https://example.com/auth") {
		t.Error("OpenBrowser = true on failure")
	}
}

func TestOpenLoginTerminal_DisabledOrEmpty(t *testing.T) {
	f := NewFlow(config.AuthFlowConfig{SpawnLoginTerminal: false})
	f.runCommand = func(string, ...string) error {
		t.Fatal("command ran with login terminals disabled")
		return nil
	}
	if f.OpenLoginTerminal("gemini", "gemini auth") {
		t.Error("OpenLoginTerminal = true when disabled")
	}

	f = NewFlow(config.AuthFlowConfig{SpawnLoginTerminal: true})
	if f.OpenLoginTerminal("gemini", "") {
		t.Error("OpenLoginTerminal = true with empty login command")
	}
}

func TestLoginURL(t *testing.T) {
	p := config.Provider{
		OAuth: &config.OAuth{
			AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:    "https://oauth2.googleapis.com/token",
			ClientID:    "client-123",
			RedirectURL: "http://localhost:8085/callback",
			Scopes:      []string{"email"},
		},
	}
	url, err := LoginURL(p, "state-abc")
	if err != nil {
		t.Fatalf("LoginURL error: %v", err)
	}
	for _, want := range []string{
		"https://accounts.google.com/o/oauth2/v2/auth",
		"client_id=client-123",
		"state=state-abc",
		"access_type=offline",
		"prompt=consent",
	} {
		if !strings.Contains(url, want) {
			t.Errorf("LoginURL missing %q in %q", want, url)
		}
	}
}

func TestLoginURL_NoOAuthBlock(t *testing.T) {
	if _, err := LoginURL(config.Provider{}, "s"); err == nil {
		t.Error("LoginURL succeeded without oauth configuration")
	}
}
