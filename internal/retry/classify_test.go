// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		errText    string
		statusCode int
		want       Class
	}{
		{
			name:    "rate limit by phrase",
			errText: "Rate limit exceeded, please slow down",
			want:    ClassRetryableRateLimit,
		},
		{
			name:    "quota exhausted",
			errText: "Quota exceeded for quota metric",
			want:    ClassRetryableRateLimit,
		},
		{
			name:       "429 status wins over other text",
			errText:    "request rejected",
			statusCode: 429,
			want:       ClassRetryableRateLimit,
		},
		{
			name:    "auth by phrase",
			errText: "Invalid API key provided",
			want:    ClassNonRetryableAuth,
		},
		{
			name:    "oauth token expired",
			errText: "oauth token expired, re-authentication required",
			want:    ClassNonRetryableAuth,
		},
		{
			name:       "401 status",
			errText:    "request failed",
			statusCode: 401,
			want:       ClassNonRetryableAuth,
		},
		{
			name:       "403 status",
			errText:    "request failed",
			statusCode: 403,
			want:       ClassNonRetryableAuth,
		},
		{
			name:    "timeout is transient",
			errText: "context deadline exceeded: timed out waiting for response",
			want:    ClassRetryableTransient,
		},
		{
			name:    "connection refused is transient",
			errText: "dial tcp 127.0.0.1:443: connection refused",
			want:    ClassRetryableTransient,
		},
		{
			name:       "500 status is transient",
			errText:    "internal failure",
			statusCode: 500,
			want:       ClassRetryableTransient,
		},
		{
			name:       "503 status is transient",
			errText:    "upstream unavailable",
			statusCode: 503,
			want:       ClassRetryableTransient,
		},
		{
			name:    "invalid request is client error",
			errText: "invalid request: missing field 'model'",
			want:    ClassNonRetryableClient,
		},
		{
			name:       "404 status is client error",
			errText:    "no such route",
			statusCode: 404,
			want:       ClassNonRetryableClient,
		},
		{
			name:    "rate limit outranks auth when both match",
			errText: "401 unauthorized: rate limit exceeded",
			want:    ClassRetryableRateLimit,
		},
		{
			name:    "auth outranks transient when both match",
			errText: "authentication failed: connection reset by peer",
			want:    ClassNonRetryableAuth,
		},
		{
			name:    "unknown text defaults to transient",
			errText: "something inexplicable happened",
			want:    ClassRetryableTransient,
		},
		{
			name:    "empty text defaults to transient",
			errText: "",
			want:    ClassRetryableTransient,
		},
		{
			name:    "matching is case insensitive",
			errText: "RATE LIMIT EXCEEDED",
			want:    ClassRetryableRateLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.errText, tt.statusCode)
			if got != tt.want {
				t.Errorf("Classify(%q, %d) = %s, want %s", tt.errText, tt.statusCode, got, tt.want)
			}
		})
	}
}

func TestClassIsRetryable(t *testing.T) {
	tests := []struct {
		class Class
		want  bool
	}{
		{ClassRetryableTransient, true},
		{ClassRetryableRateLimit, true},
		{ClassNonRetryableAuth, false},
		{ClassNonRetryableClient, false},
		{ClassNonRetryablePermanent, false},
	}
	for _, tt := range tests {
		if got := tt.class.IsRetryable(); got != tt.want {
			t.Errorf("%s.IsRetryable() = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestExtractStatusCode(t *testing.T) {
	tests := []struct {
		name    string
		errText string
		want    int
	}{
		{"error NNN form", "upstream returned error 503 from gateway", 503},
		{"status NNN form", "request failed with status 429", 429},
		{"http NNN form", "HTTP 401 Unauthorized", 401},
		{"bare code followed by error", "got 502 while proxying: bad gateway error", 502},
		{"no code", "connection reset by peer", 0},
		{"out of range code ignored", "error 999 is not a real status", 0},
		{"code below 100 ignored", "error 42 occurred", 0},
		{"bare code without error context ignored", "retrying in 500 ms", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractStatusCode(tt.errText); got != tt.want {
				t.Errorf("ExtractStatusCode(%q) = %d, want %d", tt.errText, got, tt.want)
			}
		})
	}
}

func TestDetectAuthFailure(t *testing.T) {
	tests := []struct {
		name       string
		errText    string
		statusCode int
		want       bool
	}{
		{"api key phrase", "invalid api key", 0, true},
		{"login phrase", "please login to continue", 0, true},
		{"401 status", "nope", 401, true},
		{"transient text", "connection refused", 0, false},
		{"rate limit text", "rate limit exceeded", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectAuthFailure(tt.errText, tt.statusCode); got != tt.want {
				t.Errorf("DetectAuthFailure(%q, %d) = %v, want %v", tt.errText, tt.statusCode, got, tt.want)
			}
		})
	}
}
