// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of a providers file. Providers are keyed by
// name; a missing roster section falls back to the built-in roster.
type fileConfig struct {
	Providers map[string]Provider `toml:"providers" yaml:"providers"`
	Agents    *Roster             `toml:"agents" yaml:"agents"`
}

// LoadFile reads a TOML (.toml) or YAML (.yaml/.yml) providers file.
func LoadFile(path string) (*Registry, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", path, err)
	}

	var cfg fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(body), &cfg); err != nil {
			return nil, fmt.Errorf("decode providers file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("decode providers file: %w", err)
		}
	default:
		return nil, fmt.Errorf("providers file %s: unsupported extension", path)
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		p := cfg.Providers[name]
		if p.Name == "" {
			p.Name = name
		}
		providers = append(providers, p)
	}

	roster := DefaultRoster()
	if cfg.Agents != nil {
		roster = *cfg.Agents
	}

	return New(providers, roster)
}

// Load returns the registry from path, or the built-in one when path is empty.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadFile(path)
}
