// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/traylinx/aibridge/internal/config"
)

// Config is the runtime retry budget, converted from the YAML settings.
type Config struct {
	Enabled         bool
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	FallbackEnabled bool
	// RateLimitMinDelay floors the backoff delay after a rate limit.
	RateLimitMinDelay time.Duration
	// RateLimitMinTimeout raises the request timeout for rate-limit-prone
	// providers after a 429, so the cool-down fits inside the attempt.
	RateLimitMinTimeout time.Duration
}

// ConfigFromSettings converts the YAML retry block.
func ConfigFromSettings(rc config.RetryConfig) Config {
	return Config{
		Enabled:             rc.Enabled,
		MaxRetries:          rc.MaxRetries,
		BaseDelay:           time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:            time.Duration(rc.MaxDelayMs) * time.Millisecond,
		ExponentialBase:     rc.ExponentialBase,
		Jitter:              rc.Jitter,
		FallbackEnabled:     rc.FallbackEnabled,
		RateLimitMinDelay:   time.Duration(rc.RateLimitMinDelayMs) * time.Millisecond,
		RateLimitMinTimeout: time.Duration(rc.RateLimitMinTimeoutS) * time.Second,
	}
}

// Delay computes the backoff before retry attempt n (0-based):
// base * exponential_base^n, capped at MaxDelay, then jittered by a uniform
// factor in [0.5, 1.5) when enabled. The jittered delay never exceeds
// MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	d := c.DelayBeforeJitter(attempt)
	if c.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
		if d > c.MaxDelay {
			d = c.MaxDelay
		}
	}
	return d
}

// DelayBeforeJitter computes the capped exponential delay without jitter.
func (c Config) DelayBeforeJitter(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(c.BaseDelay)
	factor := math.Pow(c.ExponentialBase, float64(attempt))
	d := base * factor
	if d > float64(c.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return c.MaxDelay
	}
	return time.Duration(d)
}
