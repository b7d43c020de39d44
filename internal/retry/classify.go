// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry drives request execution with bounded retries, exponential
// backoff, and provider fallback chains. Failures are classified from error
// text and extracted status codes; the classification decides whether the
// current provider is retried or abandoned.
package retry

import (
	"regexp"
	"strings"
)

// Class categorizes an execution failure for retry decisions.
type Class string

const (
	// ClassRetryableTransient covers network errors, timeouts, and 5xx.
	ClassRetryableTransient Class = "retryable_transient"
	// ClassRetryableRateLimit covers 429 and rate-limit phrasing.
	ClassRetryableRateLimit Class = "retryable_rate_limit"
	// ClassNonRetryableAuth covers 401/403 and credential failures.
	ClassNonRetryableAuth Class = "non_retryable_auth"
	// ClassNonRetryableClient covers other 4xx and malformed requests.
	ClassNonRetryableClient Class = "non_retryable_client"
	// ClassNonRetryablePermanent covers failures that can never succeed.
	ClassNonRetryablePermanent Class = "non_retryable_permanent"
	// ClassSuccess marks a successful attempt in the attempt log.
	ClassSuccess Class = "success"
)

// classPatterns are checked in order; the first group with a matching
// substring wins. Order matters: "invalid api key" must classify as auth
// before the generic "invalid" client pattern can see it.
var classPatterns = []struct {
	class      Class
	substrings []string
}{
	{ClassRetryableRateLimit, []string{
		"rate limit",
		"too many requests",
		"quota exceeded",
		"throttl",
	}},
	{ClassNonRetryableAuth, []string{
		"unauthorized",
		"authentication",
		"invalid api key",
		"api key not found",
		"forbidden",
		"access denied",
	}},
	{ClassRetryableTransient, []string{
		"timeout",
		"timed out",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"overloaded",
		"server error",
		"internal error",
		"bad gateway",
		"service unavailable",
	}},
	{ClassNonRetryableClient, []string{
		"invalid",
		"malformed",
		"bad request",
		"not found",
		"unsupported",
	}},
}

// statusCodeRegexps extract an HTTP status code from free-form error text,
// e.g. "API error 429:", "status 500", "HTTP 503".
var statusCodeRegexps = []*regexp.Regexp{
	regexp.MustCompile(`error\s+(\d{3})`),
	regexp.MustCompile(`status\s+(\d{3})`),
	regexp.MustCompile(`http\s+(\d{3})`),
	regexp.MustCompile(`\b(\d{3})\b.*error`),
}

// Classify determines the retry class for an error. A non-zero statusCode
// takes precedence over text heuristics; unknown errors default to
// retryable transient so the bounded budget decides.
func Classify(errText string, statusCode int) Class {
	if statusCode != 0 {
		switch {
		case statusCode == 429:
			return ClassRetryableRateLimit
		case statusCode == 401 || statusCode == 403:
			return ClassNonRetryableAuth
		case statusCode >= 400 && statusCode < 500:
			return ClassNonRetryableClient
		case statusCode >= 500:
			return ClassRetryableTransient
		}
	}

	lower := strings.ToLower(errText)
	for _, group := range classPatterns {
		for _, sub := range group.substrings {
			if strings.Contains(lower, sub) {
				return group.class
			}
		}
	}
	return ClassRetryableTransient
}

// ExtractStatusCode pulls an HTTP status code out of error text, returning
// 0 when none is found.
func ExtractStatusCode(errText string) int {
	lower := strings.ToLower(errText)
	for _, re := range statusCodeRegexps {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		code := 0
		for _, ch := range m[1] {
			code = code*10 + int(ch-'0')
		}
		if code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

// IsRetryable reports whether a class allows further same-provider attempts.
func (c Class) IsRetryable() bool {
	return c == ClassRetryableTransient || c == ClassRetryableRateLimit
}

// DetectAuthFailure reports whether an error indicates an authentication
// failure. The reliability tracker uses this to count auth events.
func DetectAuthFailure(errText string, statusCode int) bool {
	return Classify(errText, statusCode) == ClassNonRetryableAuth
}
