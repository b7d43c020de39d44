// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package authflow handles interactive authentication for providers whose
// CLIs print OAuth URLs or require a login command in a real terminal.
package authflow

import (
	"fmt"
	"os/exec"
	"regexp"
	"runtime"

	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/traylinx/aibridge/internal/config"
)

// authURLPatterns match OAuth URLs that provider CLIs print when they need
// the user to authenticate.
var authURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https://accounts\.google\.com/o/oauth2[^\s'"]+`),
	regexp.MustCompile(`https://[^\s'"]*auth[^\s'"]*code[^\s'"]*`),
	regexp.MustCompile(`https://[^\s'"]*authorize[^\s'"]*`),
}

// ExtractURL returns the first auth URL found in text, or "".
func ExtractURL(text string) string {
	for _, p := range authURLPatterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// Flow opens browsers and login terminals on behalf of failing providers.
type Flow struct {
	cfg config.AuthFlowConfig

	// runCommand is swapped in tests.
	runCommand func(name string, args ...string) error
	openURL    func(url string) error
}

// NewFlow builds a flow from the auth settings.
func NewFlow(cfg config.AuthFlowConfig) *Flow {
	return &Flow{
		cfg: cfg,
		runCommand: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
		openURL: open.Run,
	}
}

// AutoOpen reports whether auth URLs should be opened without asking.
func (f *Flow) AutoOpen() bool {
	return f.cfg.AutoOpenBrowser
}

// OpenBrowser opens url in the user's default browser.
func (f *Flow) OpenBrowser(url string) bool {
	if err := f.openURL(url); err != nil {
		log.Warnf("Failed to open browser for auth URL: %v", err)
		return false
	}
	return true
}

// OpenLoginTerminal spawns a terminal window running the provider's login
// command. It tries wezterm first, then the macOS Terminal app. Returns
// false when no terminal could be opened or login terminals are disabled.
func (f *Flow) OpenLoginTerminal(provider, loginCommand string) bool {
	if !f.cfg.SpawnLoginTerminal || loginCommand == "" {
		return false
	}

	wrapped := fmt.Sprintf("%s; echo 'Press Enter to close'; read", loginCommand)
	if _, err := exec.LookPath("wezterm"); err == nil {
		if err := f.runCommand("wezterm", "cli", "spawn", "--", "bash", "-c", wrapped); err == nil {
			log.Infof("Opened wezterm login terminal for %s", provider)
			return true
		}
	}

	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(`tell application "Terminal"
	activate
	do script "%s"
end tell`, loginCommand)
		if err := f.runCommand("osascript", "-e", script); err == nil {
			log.Infof("Opened Terminal.app login window for %s", provider)
			return true
		}
	}

	return false
}

// LoginURL builds the OAuth authorization URL for a provider with an oauth
// block configured. The state value should be unguessable per request.
func LoginURL(p config.Provider, state string) (string, error) {
	if p.OAuth == nil || p.OAuth.AuthURL == "" {
		return "", fmt.Errorf("provider has no oauth configuration")
	}
	conf := &oauth2.Config{
		ClientID:    p.OAuth.ClientID,
		RedirectURL: p.OAuth.RedirectURL,
		Scopes:      p.OAuth.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.OAuth.AuthURL,
			TokenURL: p.OAuth.TokenURL,
		},
	}
	return conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}
