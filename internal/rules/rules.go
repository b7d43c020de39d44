// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rules compiles and evaluates expression rules that steer caching
// and routing decisions. Rules come from the gateway config and see two
// variables: provider and message.
package rules

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

type compiledRule struct {
	src     string
	program *vm.Program
}

// Engine holds the compiled rule sets. A nil Engine is valid and matches
// nothing.
type Engine struct {
	exclude []compiledRule
	route   []compiledRule
}

func ruleEnv(provider, message string) map[string]any {
	return map[string]any{
		"provider": provider,
		"message":  message,
	}
}

// Check compiles both rule sets and returns the first error. Config
// validation uses it to reject bad rules before they reach a running
// gateway; NewEngine stays lenient so a hot reload never kills service.
func Check(excludeRules, routeRules []string) error {
	for _, src := range excludeRules {
		if _, err := expr.Compile(src, expr.Env(ruleEnv("", "")), expr.AsBool()); err != nil {
			return fmt.Errorf("invalid cache exclude rule %q: %w", src, err)
		}
	}
	for _, src := range routeRules {
		if _, err := expr.Compile(src, expr.Env(ruleEnv("", ""))); err != nil {
			return fmt.Errorf("invalid route rule %q: %w", src, err)
		}
	}
	return nil
}

// NewEngine compiles the configured rules. Invalid expressions are skipped
// with a warning so one bad rule cannot take the gateway down.
func NewEngine(excludeRules, routeRules []string) *Engine {
	e := &Engine{}
	for _, src := range excludeRules {
		program, err := expr.Compile(src, expr.Env(ruleEnv("", "")), expr.AsBool())
		if err != nil {
			log.Warnf("Skipping invalid cache exclude rule %q: %v", src, err)
			continue
		}
		e.exclude = append(e.exclude, compiledRule{src: src, program: program})
	}
	for _, src := range routeRules {
		program, err := expr.Compile(src, expr.Env(ruleEnv("", "")))
		if err != nil {
			log.Warnf("Skipping invalid route rule %q: %v", src, err)
			continue
		}
		e.route = append(e.route, compiledRule{src: src, program: program})
	}
	return e
}

// ExcludeFromCache reports whether any exclude rule matches the request.
func (e *Engine) ExcludeFromCache(provider, message string) bool {
	if e == nil {
		return false
	}
	for _, r := range e.exclude {
		out, err := expr.Run(r.program, ruleEnv(provider, message))
		if err != nil {
			log.Warnf("Cache exclude rule %q failed: %v", r.src, err)
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true
		}
	}
	return false
}

// Route returns the first provider override produced by the routing rules,
// or "" to keep the requested provider. Rules returning non-strings are
// ignored.
func (e *Engine) Route(provider, message string) string {
	if e == nil {
		return ""
	}
	for _, r := range e.route {
		out, err := expr.Run(r.program, ruleEnv(provider, message))
		if err != nil {
			log.Warnf("Route rule %q failed: %v", r.src, err)
			continue
		}
		if target, ok := out.(string); ok && target != "" {
			return target
		}
	}
	return ""
}

// Counts returns how many rules of each kind compiled successfully.
func (e *Engine) Counts() (exclude, route int) {
	if e == nil {
		return 0, 0
	}
	return len(e.exclude), len(e.route)
}
