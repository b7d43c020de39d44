// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tokens

import "testing"

func TestSimpleEstimate(t *testing.T) {
	est := NewEstimator(MethodSimple)

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"english", "hello world, this is a test!", 7},
		{"chinese", "你好世界", 2},
		{"hiragana", "こんにちは", 3},
		{"hangul", "안녕하세요", 3},
		{"mixed", "hello 世界", 2},
		{"short english rounds down", "hey", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := est.Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestNewEstimator_UnknownMethodFallsBack(t *testing.T) {
	est := NewEstimator("bogus")
	if est.Method() != MethodSimple {
		t.Errorf("Method() = %q, want %q", est.Method(), MethodSimple)
	}
}

func TestEstimatePair(t *testing.T) {
	est := NewEstimator(MethodSimple)
	in, out := est.EstimatePair("12345678", "你好世界")
	if in != 2 || out != 2 {
		t.Errorf("EstimatePair = %d/%d, want 2/2", in, out)
	}
}

func TestTiktokenEstimate(t *testing.T) {
	est := NewEstimator(MethodTiktoken)
	got := est.Estimate("hello world")
	if got < 1 || got > 4 {
		t.Errorf("Estimate(\"hello world\") = %d, want a small positive count", got)
	}
	if est.Estimate("") != 0 {
		t.Error("empty input must estimate to zero")
	}
}

func TestTiktokenCountsGrowWithText(t *testing.T) {
	est := NewEstimator(MethodTiktoken)
	short := est.Estimate("one two three")
	long := est.Estimate("one two three four five six seven eight nine ten")
	if long <= short {
		t.Errorf("longer text estimated %d tokens, shorter %d", long, short)
	}
}
