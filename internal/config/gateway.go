// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads, validates, and persists the gateway configuration.
// Defaults are applied before unmarshal so absent YAML keys keep their
// default values; secrets are bcrypt hashed on first load and written back.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/aibridge/internal/rules"
	"github.com/traylinx/aibridge/internal/util"
)

// BackendType selects how a provider is executed.
type BackendType string

const (
	BackendCLI      BackendType = "cli"
	BackendHTTP     BackendType = "http"
	BackendTerminal BackendType = "terminal"
)

// APIStyle selects the wire shape for HTTP providers.
type APIStyle string

const (
	APIStyleAnthropic APIStyle = "anthropic"
	APIStyleGemini    APIStyle = "gemini"
	APIStyleOpenAI    APIStyle = "openai"
)

// OutputFormat names the structured output protocol a CLI tool speaks.
type OutputFormat string

const (
	OutputPlain        OutputFormat = ""
	OutputCodexJSONL   OutputFormat = "codex-jsonl"
	OutputOpenCodeJSON OutputFormat = "opencode-jsonl"
	OutputGeminiJSON   OutputFormat = "gemini-json"
)

// OAuth holds the endpoints needed to build a provider login URL.
type OAuth struct {
	AuthURL     string   `yaml:"auth-url"`
	TokenURL    string   `yaml:"token-url"`
	ClientID    string   `yaml:"client-id"`
	RedirectURL string   `yaml:"redirect-url"`
	Scopes      []string `yaml:"scopes"`
}

// Provider describes one backend target.
type Provider struct {
	Type           BackendType  `yaml:"type"`
	Enabled        bool         `yaml:"enabled"`
	Command        string       `yaml:"command,omitempty"`
	Args           []string     `yaml:"args,omitempty"`
	Model          string       `yaml:"model,omitempty"`
	TimeoutSeconds int          `yaml:"timeout-seconds,omitempty"`
	MaxTokens      int          `yaml:"max-tokens,omitempty"`
	BaseURL        string       `yaml:"base-url,omitempty"`
	APIKeyEnv      string       `yaml:"api-key-env,omitempty"`
	APIStyle       APIStyle     `yaml:"api-style,omitempty"`
	OutputFormat   OutputFormat `yaml:"output-format,omitempty"`
	RateLimitProne bool         `yaml:"rate-limit-prone,omitempty"`
	AuthProne      bool         `yaml:"auth-prone,omitempty"`
	LoginCommand   string       `yaml:"login-command,omitempty"`
	OAuth          *OAuth       `yaml:"oauth,omitempty"`
	// Strategies lists execution strategies in preference order for CLI
	// providers: "wezterm", "pty", "subprocess".
	Strategies []string `yaml:"strategies,omitempty"`
}

// RetryConfig carries the retry and fallback budget.
type RetryConfig struct {
	Enabled              bool    `yaml:"enabled"`
	MaxRetries           int     `yaml:"max-retries"`
	BaseDelayMs          int     `yaml:"base-delay-ms"`
	MaxDelayMs           int     `yaml:"max-delay-ms"`
	ExponentialBase      float64 `yaml:"exponential-base"`
	Jitter               bool    `yaml:"jitter"`
	FallbackEnabled      bool    `yaml:"fallback-enabled"`
	RateLimitMinDelayMs  int     `yaml:"rate-limit-min-delay-ms"`
	RateLimitMinTimeoutS int     `yaml:"rate-limit-min-timeout-seconds"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled            bool           `yaml:"enabled"`
	DefaultTTLSeconds  int            `yaml:"default-ttl-seconds"`
	ProviderTTLSeconds map[string]int `yaml:"provider-ttl-seconds,omitempty"`
	MinResponseLength  int            `yaml:"min-response-length"`
	MaxEntries         int            `yaml:"max-entries"`
	NoCachePatterns    []string       `yaml:"no-cache-patterns,omitempty"`
	// ExcludeRules are expr expressions over {provider, message}; a rule
	// evaluating to true blocks caching for that request.
	ExcludeRules []string `yaml:"exclude-rules,omitempty"`
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // "sqlite" or "postgres"
	Path          string `yaml:"path,omitempty"`
	DSN           string `yaml:"dsn,omitempty"`
	RetentionDays int    `yaml:"retention-days"`
}

// ArchiveConfig controls the S3 export of finished requests.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyEnv    string `yaml:"access-key-env,omitempty"`
	SecretKeyEnv    string `yaml:"secret-key-env,omitempty"`
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	UseSSL          bool   `yaml:"use-ssl"`
	IntervalSeconds int    `yaml:"interval-seconds"`
}

// AuthFlowConfig controls authentication remediation side effects.
type AuthFlowConfig struct {
	AutoOpenBrowser    bool `yaml:"auto-open-browser"`
	SpawnLoginTerminal bool `yaml:"spawn-login-terminal"`
}

// ManagementConfig protects the management API surface.
type ManagementConfig struct {
	// SecretKey is the management key (plaintext or bcrypt hashed).
	SecretKey           string `yaml:"secret-key,omitempty"`
	RestrictToLocalhost bool   `yaml:"restrict-to-localhost"`
	ConfigHistory       bool   `yaml:"config-history"`
	MaxConnections      int    `yaml:"max-connections"`
}

// Config is the root gateway configuration.
type Config struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Debug              bool   `yaml:"debug"`
	LogLevel           string `yaml:"log-level"`
	LoggingToFile      bool   `yaml:"logging-to-file"`
	LogsMaxTotalSizeMB int    `yaml:"logs-max-total-size-mb"`
	DataDir            string `yaml:"data-dir,omitempty"`

	DefaultProvider       string `yaml:"default-provider"`
	DefaultTimeoutSeconds int    `yaml:"default-timeout-seconds"`
	MaxQueueSize          int    `yaml:"max-queue-size"`
	MaxConcurrent         int    `yaml:"max-concurrent"`
	TokenEstimator        string `yaml:"token-estimator"` // "simple" or "tiktoken"

	Providers      map[string]*Provider `yaml:"providers"`
	FallbackChains map[string][]string  `yaml:"fallback-chains,omitempty"`
	ProviderGroups map[string][]string  `yaml:"provider-groups,omitempty"`
	// RouteRules are expr expressions over {provider, message} returning a
	// provider name ("" keeps the requested provider).
	RouteRules []string `yaml:"route-rules,omitempty"`

	Retry      RetryConfig      `yaml:"retry"`
	Cache      CacheConfig      `yaml:"cache"`
	Storage    StorageConfig    `yaml:"storage"`
	Archive    ArchiveConfig    `yaml:"archive"`
	AuthFlow   AuthFlowConfig   `yaml:"auth-flow"`
	Management ManagementConfig `yaml:"management"`

	// path the config was loaded from, for watch/save round trips.
	path string
}

// Path returns the file this config was loaded from ("" when built from
// defaults only).
func (c *Config) Path() string { return c.path }

// SetPath records where the config lives, for saves and watch round trips.
func (c *Config) SetPath(path string) { c.path = path }

// ResolveDataDir returns the data directory, defaulting to ~/.aibridge.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aibridge"
	}
	return filepath.Join(home, ".aibridge")
}

// StorePath returns the SQLite database path under the data directory.
func (c *Config) StorePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.ResolveDataDir(), "gateway.db")
}

// CachePath returns the response cache database path. The cache keeps its
// own SQLite file so cache churn never contends with request writes.
func (c *Config) CachePath() string {
	return filepath.Join(c.ResolveDataDir(), "cache.db")
}

// LogDir returns the log directory under the data directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.ResolveDataDir(), "logs")
}

// GetProvider returns the named provider config, or nil.
func (c *Config) GetProvider(name string) *Provider {
	return c.Providers[name]
}

// EnabledProviders returns the names of all enabled providers.
func (c *Config) EnabledProviders() []string {
	out := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if p != nil && p.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Fallbacks returns the fallback chain for a provider (possibly empty).
func (c *Config) Fallbacks(provider string) []string {
	return c.FallbackChains[provider]
}

// Group resolves a provider group name (without the "@" prefix).
func (c *Config) Group(name string) ([]string, bool) {
	members, ok := c.ProviderGroups[name]
	return members, ok
}

// LoadConfig reads YAML from configFile, applying defaults for absent keys.
// A missing file yields the full default configuration, written back to
// the path so the user has a complete file to edit.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = configFile

	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			if errSave := SaveConfig(configFile, cfg); errSave != nil {
				log.Warnf("Failed to write default config to %s: %v", configFile, errSave)
			}
			return cfg, nil
		}
		if errors.Is(err, syscall.EISDIR) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err = ParseConfig(data)
	if err != nil {
		return nil, err
	}
	cfg.path = configFile

	// Persist a freshly hashed management key back so the next startup does
	// not re-hash; a key already stored hashed appears verbatim in the file.
	if k := cfg.Management.SecretKey; k != "" && !bytes.Contains(data, []byte(k)) {
		_ = UpdateNestedScalar(configFile, []string{"management", "secret-key"}, k)
	}
	return cfg, nil
}

// ParseConfig builds a validated config from raw YAML, filling defaults for
// anything omitted. A plaintext management key is bcrypt-hashed in the
// returned config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.sanitize()

	if cfg.Management.SecretKey != "" && !looksLikeBcrypt(cfg.Management.SecretKey) {
		hashed, errHash := HashSecret(cfg.Management.SecretKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", errHash)
		}
		cfg.Management.SecretKey = hashed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sanitize trims names and drops unusable provider entries.
func (c *Config) sanitize() {
	if c.LogsMaxTotalSizeMB < 0 {
		c.LogsMaxTotalSizeMB = 0
	}
	for name, p := range c.Providers {
		if p == nil {
			delete(c.Providers, name)
			continue
		}
		if p.Type == "" {
			if p.BaseURL != "" {
				p.Type = BackendHTTP
			} else {
				p.Type = BackendCLI
			}
		}
		if p.Type == BackendCLI && p.Command == "" {
			p.Command = name
		}
	}
	for group, members := range c.ProviderGroups {
		c.ProviderGroups[group] = normalizeNames(members)
	}
	for provider, chain := range c.FallbackChains {
		c.FallbackChains[provider] = normalizeNames(chain)
	}
}

func normalizeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, raw := range names {
		trimmed := strings.ToLower(strings.TrimSpace(raw))
		if trimmed == "" {
			continue
		}
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// Validate checks structural invariants. Unknown chain or group members are
// tolerated (the executor filters to registered providers at run time).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max-queue-size must be positive")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max-concurrent must be positive")
	}
	if c.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config: default-timeout-seconds must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: retry.max-retries must not be negative")
	}
	if c.Retry.ExponentialBase < 1 {
		return fmt.Errorf("config: retry.exponential-base must be >= 1")
	}
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "postgres" {
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn is required for postgres")
	}
	if c.TokenEstimator != "simple" && c.TokenEstimator != "tiktoken" {
		return fmt.Errorf("config: token-estimator must be \"simple\" or \"tiktoken\"")
	}
	for name, p := range c.Providers {
		switch p.Type {
		case BackendCLI, BackendTerminal:
			if p.Command == "" {
				return fmt.Errorf("config: provider %q has no command", name)
			}
		case BackendHTTP:
			if p.BaseURL == "" {
				return fmt.Errorf("config: provider %q has no base-url", name)
			}
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", name, p.Type)
		}
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("config: default-provider %q is not defined", c.DefaultProvider)
		}
	}
	if err := rules.Check(c.Cache.ExcludeRules, c.RouteRules); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SaveConfig writes cfg to configFile, creating parent directories. The write
// goes through a rename swap so a crash mid-save never truncates the file a
// running watcher is about to reload.
func SaveConfig(configFile string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return util.AtomicWrite(configFile, buf.Bytes(), 0o644)
}

// CheckManagementKey compares a plaintext key against the stored hash.
func (c *Config) CheckManagementKey(plain string) bool {
	if c.Management.SecretKey == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.Management.SecretKey), []byte(plain)) == nil
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// HashSecret hashes the given secret using bcrypt.
func HashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// UpdateNestedScalar updates a single nested scalar in the YAML file while
// preserving comments and key ordering.
func UpdateNestedScalar(configFile string, path []string, value string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}
	var root yaml.Node
	if err = yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return fmt.Errorf("invalid yaml document structure")
	}
	node := root.Content[0]
	for i, key := range path {
		if i == len(path)-1 {
			v := getOrCreateMapValue(node, key)
			v.Kind = yaml.ScalarNode
			v.Tag = "!!str"
			v.Value = value
		} else {
			next := getOrCreateMapValue(node, key)
			if next.Kind != yaml.MappingNode {
				next.Kind = yaml.MappingNode
				next.Tag = "!!map"
			}
			node = next
		}
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err = enc.Encode(&root); err != nil {
		_ = enc.Close()
		return err
	}
	if err = enc.Close(); err != nil {
		return err
	}
	return util.AtomicWrite(configFile, buf.Bytes(), 0o644)
}

// getOrCreateMapValue finds the value node for a given key in a mapping node.
// If not found, it appends a new key/value pair and returns the new value node.
func getOrCreateMapValue(mapNode *yaml.Node, key string) *yaml.Node {
	if mapNode.Kind != yaml.MappingNode {
		mapNode.Kind = yaml.MappingNode
		mapNode.Tag = "!!map"
		mapNode.Content = nil
	}
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		k := mapNode.Content[i]
		if k.Value == key {
			return mapNode.Content[i+1]
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	valNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str"}
	mapNode.Content = append(mapNode.Content, keyNode, valNode)
	return valNode
}
