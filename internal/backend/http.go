// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/aibridge/internal/config"
)

const (
	anthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096

	healthCheckTimeout = 10 * time.Second
)

// Per-style model defaults, used when the provider config leaves the
// model unset and the request carries no override.
const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultOpenAIModel    = "gpt-4"
)

// chatMessage is the messages[] element shared by the Anthropic and
// OpenAI-compatible wire formats.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatPayload is the request body for the Anthropic messages API and for
// OpenAI-compatible chat completions. The two formats happen to agree on
// these fields.
type chatPayload struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type geminiPayload struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

// HTTPBackend executes requests against REST providers. Three wire styles
// are supported: the Anthropic messages API, the Google Gemini
// generateContent API, and OpenAI-compatible chat completions (DeepSeek,
// Kimi, Qwen, OpenAI itself). The style comes from the provider config
// rather than URL sniffing so self-hosted endpoints work.
type HTTPBackend struct {
	name   string
	cfg    config.Provider
	client *http.Client

	// apiKey caches the env lookup once a value is found; an unset
	// variable is re-read on each call so keys exported after startup
	// are picked up.
	mu     sync.Mutex
	apiKey string
}

// NewHTTPBackend builds a backend for one HTTP provider.
func NewHTTPBackend(name string, cfg config.Provider) *HTTPBackend {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Compression is negotiated explicitly in postJSON so brotli
	// responses can be decoded; the transport's automatic path only
	// handles gzip.
	transport.DisableCompression = true
	return &HTTPBackend{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

func (b *HTTPBackend) key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.apiKey == "" && b.cfg.APIKeyEnv != "" {
		b.apiKey = os.Getenv(b.cfg.APIKeyEnv)
	}
	return b.apiKey
}

func (b *HTTPBackend) maxTokens() int {
	if b.cfg.MaxTokens > 0 {
		return b.cfg.MaxTokens
	}
	return defaultMaxTokens
}

func (b *HTTPBackend) baseURL() string {
	return strings.TrimSuffix(b.cfg.BaseURL, "/")
}

// Execute sends the request using the provider's wire style and parses the
// response into a Result. Transport errors and non-200 statuses become
// failed Results, never Go errors, so the retry layer can classify them.
func (b *HTTPBackend) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	apiKey := b.key()
	if apiKey == "" {
		res := Fail(fmt.Sprintf("API key not found in environment variable: %s", b.cfg.APIKeyEnv))
		res.Latency = time.Since(start)
		return res, nil
	}

	log.WithField("request_id", req.ID).Debugf("HTTP request to %s (style=%s)", b.name, b.style())

	var (
		res *Result
		err error
	)
	switch b.style() {
	case config.APIStyleAnthropic:
		res, err = b.executeAnthropic(ctx, req, apiKey)
	case config.APIStyleGemini:
		res, err = b.executeGemini(ctx, req, apiKey)
	default:
		res, err = b.executeOpenAI(ctx, req, apiKey)
	}
	if err != nil {
		if isTimeoutErr(err) {
			res = Fail(fmt.Sprintf("Request timed out after %.0fs", b.timeoutSeconds(req)))
			res.SetMeta(MetaTimedOut, true)
		} else {
			res = Fail(err.Error())
		}
	}
	res.Latency = time.Since(start)
	return res, nil
}

// style resolves the effective API style, defaulting to OpenAI-compatible
// the way unknown REST providers are treated.
func (b *HTTPBackend) style() config.APIStyle {
	if b.cfg.APIStyle == "" {
		return config.APIStyleOpenAI
	}
	return b.cfg.APIStyle
}

func (b *HTTPBackend) timeoutSeconds(req *Request) float64 {
	if req.Timeout > 0 {
		return req.Timeout.Seconds()
	}
	return float64(b.cfg.TimeoutSeconds)
}

func (b *HTTPBackend) executeAnthropic(ctx context.Context, req *Request, apiKey string) (*Result, error) {
	model := b.cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	payload, err := json.Marshal(chatPayload{
		Model:     model,
		MaxTokens: b.maxTokens(),
		Messages:  []chatMessage{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		return nil, err
	}
	if req.Model != "" {
		payload, _ = sjson.SetBytes(payload, "model", req.Model)
	}

	status, body, err := b.postJSON(ctx, b.baseURL()+"/messages", payload, map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return apiFailure("API error", status, body), nil
	}

	var parts []string
	for _, block := range gjson.GetBytes(body, "content").Array() {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
	}
	res := OK(strings.Join(parts, "\n"))
	res.InputTokens = int(gjson.GetBytes(body, "usage.input_tokens").Int())
	res.OutputTokens = int(gjson.GetBytes(body, "usage.output_tokens").Int())
	res.SetMeta("model", gjson.GetBytes(body, "model").String())
	if stop := gjson.GetBytes(body, "stop_reason"); stop.Exists() {
		res.SetMeta("stop_reason", stop.String())
	}
	return res, nil
}

func (b *HTTPBackend) executeGemini(ctx context.Context, req *Request, apiKey string) (*Result, error) {
	model := b.cfg.Model
	if req.Model != "" {
		model = req.Model
	}
	if model == "" {
		model = defaultGeminiModel
	}
	payload, err := json.Marshal(geminiPayload{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: req.Message}}},
		},
		GenerationConfig: geminiGenerationConfig{MaxOutputTokens: b.maxTokens()},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		b.baseURL(), model, url.QueryEscape(apiKey))
	status, body, err := b.postJSON(ctx, endpoint, payload, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return apiFailure("Gemini API error", status, body), nil
	}

	first := gjson.GetBytes(body, "candidates.0")
	var parts []string
	for _, part := range first.Get("content.parts").Array() {
		if text := part.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
	}
	res := OK(strings.Join(parts, ""))
	usage := gjson.GetBytes(body, "usageMetadata")
	res.InputTokens = int(usage.Get("promptTokenCount").Int())
	res.OutputTokens = int(usage.Get("candidatesTokenCount").Int())
	if res.InputTokens == 0 && res.OutputTokens == 0 {
		res.OutputTokens = int(usage.Get("totalTokenCount").Int())
	}
	res.SetMeta("model", model)
	if finish := first.Get("finishReason"); finish.Exists() {
		res.SetMeta("finish_reason", finish.String())
	}
	return res, nil
}

func (b *HTTPBackend) executeOpenAI(ctx context.Context, req *Request, apiKey string) (*Result, error) {
	model := b.cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	payload, err := json.Marshal(chatPayload{
		Model:     model,
		MaxTokens: b.maxTokens(),
		Messages:  []chatMessage{{Role: "user", Content: req.Message}},
	})
	if err != nil {
		return nil, err
	}
	if req.Model != "" {
		payload, _ = sjson.SetBytes(payload, "model", req.Model)
	}

	status, body, err := b.postJSON(ctx, b.baseURL()+"/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + apiKey,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return apiFailure("API error", status, body), nil
	}

	res := OK(gjson.GetBytes(body, "choices.0.message.content").String())
	usage := gjson.GetBytes(body, "usage")
	res.InputTokens = int(usage.Get("prompt_tokens").Int())
	res.OutputTokens = int(usage.Get("completion_tokens").Int())
	if res.InputTokens == 0 && res.OutputTokens == 0 {
		res.OutputTokens = int(usage.Get("total_tokens").Int())
	}
	res.SetMeta("model", gjson.GetBytes(body, "model").String())
	if finish := gjson.GetBytes(body, "choices.0.finish_reason"); finish.Exists() {
		res.SetMeta("finish_reason", finish.String())
	}
	return res, nil
}

// postJSON sends a JSON payload and returns the status code and the
// decompressed response body.
func (b *HTTPBackend) postJSON(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// decodeBody inflates the response body according to Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

// apiFailure turns a non-200 response into a failed Result carrying the
// status code for retry classification.
func apiFailure(prefix string, status int, body []byte) *Result {
	res := Fail(fmt.Sprintf("%s %d: %s", prefix, status, strings.TrimSpace(string(body))))
	res.SetMeta(MetaHTTPStatus, status)
	return res
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// HealthCheck probes the provider. The Anthropic API has no cheap probe
// endpoint, so a configured key counts as healthy there; other styles list
// models.
func (b *HTTPBackend) HealthCheck(ctx context.Context) bool {
	apiKey := b.key()
	if apiKey == "" {
		return false
	}
	if b.style() == config.APIStyleAnthropic {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+"/models", nil)
	if err != nil {
		return false
	}
	if b.style() == config.APIStyleGemini {
		q := httpReq.URL.Query()
		q.Set("key", apiKey)
		httpReq.URL.RawQuery = q.Encode()
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Shutdown releases pooled connections.
func (b *HTTPBackend) Shutdown() {
	b.client.CloseIdleConnections()
}
