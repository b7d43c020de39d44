// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// providerOverlay is the shape of the optional providers.yaml overlay file.
type providerOverlay struct {
	Providers map[string]*Provider `yaml:"providers"`
}

// ApplyProviderOverlay merges provider definitions from an optional overlay
// file into the configuration. Entries replace same-named providers from the
// main config wholesale; a missing file is not an error.
func (c *Config) ApplyProviderOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read provider overlay: %w", err)
	}

	var overlay providerOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse provider overlay: %w", err)
	}

	if c.Providers == nil {
		c.Providers = make(map[string]*Provider, len(overlay.Providers))
	}
	for name, p := range overlay.Providers {
		if p == nil {
			delete(c.Providers, name)
			continue
		}
		c.Providers[name] = p
	}
	c.sanitize()
	return c.Validate()
}
