// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tokens estimates token counts for request and response text.
// It supports two strategies: a fast character heuristic and BPE counting
// through the tiktoken vocabularies.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimation methods accepted by NewEstimator.
const (
	MethodSimple   = "simple"
	MethodTiktoken = "tiktoken"
)

// Estimator computes token counts with the configured method. It is safe
// for concurrent use.
type Estimator struct {
	method string

	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
}

// NewEstimator creates an estimator for the given method. Unknown methods
// fall back to the simple heuristic.
func NewEstimator(method string) *Estimator {
	if method != MethodSimple && method != MethodTiktoken {
		method = MethodSimple
	}
	return &Estimator{method: method}
}

// Method returns the configured estimation method.
func (e *Estimator) Method() string {
	return e.method
}

// Estimate returns the token count for text. The tiktoken method degrades
// to the heuristic if the codec cannot be loaded.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e.method == MethodTiktoken {
		if n, err := e.tiktokenCount(text); err == nil {
			return n
		}
	}
	return simpleEstimate(text)
}

// EstimatePair estimates input and output token counts in one call.
func (e *Estimator) EstimatePair(input, output string) (int, int) {
	return e.Estimate(input), e.Estimate(output)
}

func (e *Estimator) tiktokenCount(text string) (int, error) {
	e.codecOnce.Do(func() {
		e.codec, e.codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.codecErr != nil {
		return 0, e.codecErr
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// simpleEstimate approximates tokens per character class: CJK text runs
// about 1.5 characters per token, everything else about 4.
func simpleEstimate(text string) int {
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}

// isCJK reports whether r is in the CJK unified, hiragana, katakana, or
// hangul ranges.
func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3040 && r <= 0x309F) ||
		(r >= 0x30A0 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
