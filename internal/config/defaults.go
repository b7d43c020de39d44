// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// DefaultFallbackChains mirrors the shipped provider fallback ordering.
var DefaultFallbackChains = map[string][]string{
	"claude":   {"deepseek", "gemini"},
	"gemini":   {"claude", "deepseek"},
	"deepseek": {"claude", "qwen"},
	"codex":    {"opencode", "claude"},
	"opencode": {"codex", "claude"},
	"kimi":     {"qwen", "deepseek"},
	"qwen":     {"kimi", "deepseek"},
	"iflow":    {"claude", "deepseek"},
}

// DefaultProviderGroups names the groups accepted as "@group" targets.
var DefaultProviderGroups = map[string][]string{
	"all":       {"claude", "gemini", "deepseek", "codex"},
	"fast":      {"claude", "deepseek"},
	"reasoning": {"deepseek", "claude"},
	"coding":    {"codex", "claude", "opencode"},
	"chinese":   {"deepseek", "kimi", "qwen"},
}

// DefaultNoCachePatterns lists message substrings that mark a request
// volatile and therefore uncacheable.
var DefaultNoCachePatterns = []string{
	"current time",
	"current date",
	"today",
	"now",
	"latest",
	"recent",
	"weather",
	"stock price",
	"random",
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Host:                  "127.0.0.1",
		Port:                  8765,
		LogLevel:              "info",
		DefaultProvider:       "claude",
		DefaultTimeoutSeconds: 300,
		MaxQueueSize:          1000,
		MaxConcurrent:         10,
		TokenEstimator:        "simple",
		Providers:             defaultProviders(),
		FallbackChains:        copyChains(DefaultFallbackChains),
		ProviderGroups:        copyChains(DefaultProviderGroups),
		Retry: RetryConfig{
			Enabled:              true,
			MaxRetries:           3,
			BaseDelayMs:          1000,
			MaxDelayMs:           30000,
			ExponentialBase:      2.0,
			Jitter:               true,
			FallbackEnabled:      true,
			RateLimitMinDelayMs:  5000,
			RateLimitMinTimeoutS: 600,
		},
		Cache: CacheConfig{
			Enabled:           true,
			DefaultTTLSeconds: 3600,
			ProviderTTLSeconds: map[string]int{
				"claude":   3600,
				"gemini":   3600,
				"deepseek": 1800,
				"codex":    1800,
				"opencode": 1800,
			},
			MinResponseLength: 10,
			MaxEntries:        10000,
			NoCachePatterns:   append([]string(nil), DefaultNoCachePatterns...),
		},
		Storage: StorageConfig{
			Backend:       "sqlite",
			RetentionDays: 7,
		},
		Archive: ArchiveConfig{
			UseSSL:          true,
			IntervalSeconds: 300,
			Prefix:          "aibridge/requests",
		},
		AuthFlow: AuthFlowConfig{
			AutoOpenBrowser: true,
		},
		Management: ManagementConfig{
			RestrictToLocalhost: true,
			ConfigHistory:       true,
			MaxConnections:      256,
		},
	}
	return cfg
}

func defaultProviders() map[string]*Provider {
	return map[string]*Provider{
		"claude": {
			Type:           BackendHTTP,
			Enabled:        true,
			BaseURL:        "https://api.anthropic.com/v1",
			APIKeyEnv:      "ANTHROPIC_API_KEY",
			APIStyle:       APIStyleAnthropic,
			Model:          "claude-sonnet-4-20250514",
			TimeoutSeconds: 300,
		},
		"deepseek": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "deepseek",
			Args:           []string{"-q"},
			TimeoutSeconds: 120,
		},
		"codex": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "codex",
			Args:           []string{"exec", "--json"},
			OutputFormat:   OutputCodexJSONL,
			TimeoutSeconds: 300,
		},
		"gemini": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "gemini",
			Args:           []string{"-p", "-o", "json"},
			OutputFormat:   OutputGeminiJSON,
			TimeoutSeconds: 300,
			RateLimitProne: true,
			AuthProne:      true,
			LoginCommand:   "gemini auth login",
		},
		"opencode": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "opencode",
			Args:           []string{"run", "--format", "json", "-m", "opencode/minimax-m2.1-free"},
			OutputFormat:   OutputOpenCodeJSON,
			TimeoutSeconds: 120,
		},
		"iflow": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "iflow",
			Args:           []string{"-p"},
			TimeoutSeconds: 300,
		},
		"kimi": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "kimi",
			Args:           []string{"--quiet", "-p"},
			TimeoutSeconds: 300,
		},
		"qwen": {
			Type:           BackendCLI,
			Enabled:        true,
			Command:        "qwen",
			TimeoutSeconds: 300,
		},
		"droid": {
			Type:           BackendTerminal,
			Enabled:        false,
			Command:        "droid",
			TimeoutSeconds: 300,
			Strategies:     []string{"wezterm", "subprocess"},
		},
	}
}

func copyChains(src map[string][]string) map[string][]string {
	out := make(map[string][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}
