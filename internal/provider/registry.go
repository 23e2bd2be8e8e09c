// SPDX-License-Identifier: Apache-2.0

// Package provider holds the static mapping from provider name to connection
// parameters and model identifiers, and the agent roster that references it.
package provider

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
)

type Kind string

const (
	KindOpenAI       Kind = "openai"
	KindAzure        Kind = "azure"
	KindAnthropic    Kind = "anthropic"
	KindOpenAICompat Kind = "openai_compat"
)

// Provider describes one reasoning backend. Secrets are never stored here;
// APIKeyEnv and BaseURLEnv name the environment variables to read.
type Provider struct {
	Name            string            `toml:"name" yaml:"name"`
	Kind            Kind              `toml:"kind" yaml:"kind"`
	BaseURL         string            `toml:"base_url" yaml:"base_url"`
	BaseURLEnv      string            `toml:"base_url_env" yaml:"base_url_env"`
	APIKeyEnv       string            `toml:"api_key_env" yaml:"api_key_env"`
	APIVersion      string            `toml:"api_version" yaml:"api_version"`
	Models          map[string]string `toml:"models" yaml:"models"`
	RateLimitPerMin int               `toml:"rate_limit_per_min" yaml:"rate_limit_per_min"`
	TimeoutSeconds  int               `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// Endpoint is a provider resolved for one logical model.
type Endpoint struct {
	Provider   string
	Kind       Kind
	BaseURL    string
	APIKey     string
	APIVersion string
	Model      string
}

// Roster is the configured set of agents for every phase.
type Roster struct {
	Planner   domain.AgentSpec   `json:"planner" toml:"planner" yaml:"planner"`
	Static    []domain.AgentSpec `json:"static" toml:"static" yaml:"static"`
	Dynamic   []domain.AgentSpec `json:"dynamic" toml:"dynamic" yaml:"dynamic"`
	Analyzers []domain.AgentSpec `json:"analyzers" toml:"analyzers" yaml:"analyzers"`
	Decision  domain.AgentSpec   `json:"decision" toml:"decision" yaml:"decision"`
}

// All returns every agent spec in the roster in phase order.
func (r Roster) All() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, 2+len(r.Static)+len(r.Dynamic)+len(r.Analyzers))
	out = append(out, r.Planner)
	out = append(out, r.Static...)
	out = append(out, r.Dynamic...)
	out = append(out, r.Analyzers...)
	out = append(out, r.Decision)
	return out
}

type Registry struct {
	providers map[string]Provider
	roster    Roster
	getenv    func(string) string
}

// New validates providers and roster and builds a registry. Every provider in
// an agent's chain must offer the agent's model.
func New(providers []Provider, roster Roster) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider, len(providers)),
		roster:    roster,
		getenv:    os.Getenv,
	}

	for _, p := range providers {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("provider with empty name")
		}
		switch p.Kind {
		case KindOpenAI, KindAzure, KindAnthropic, KindOpenAICompat:
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.Name, p.Kind)
		}
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("provider %s: no models configured", p.Name)
		}
		if _, dup := r.providers[p.Name]; dup {
			return nil, fmt.Errorf("provider %s: defined twice", p.Name)
		}
		r.providers[p.Name] = p
	}

	for _, spec := range roster.All() {
		if err := r.validateSpec(spec); err != nil {
			return nil, err
		}
	}
	if len(roster.Static) == 0 || len(roster.Dynamic) == 0 || len(roster.Analyzers) == 0 {
		return nil, fmt.Errorf("roster needs at least one static, dynamic and analyzer agent")
	}

	return r, nil
}

func (r *Registry) validateSpec(spec domain.AgentSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("agent with empty name")
	}
	chain := spec.Providers()
	if len(chain) == 0 || strings.TrimSpace(spec.PrimaryProvider) == "" {
		return fmt.Errorf("agent %s: primary provider is required", spec.Name)
	}
	for _, name := range chain {
		p, ok := r.providers[name]
		if !ok {
			return fmt.Errorf("agent %s: %w: %s", spec.Name, domain.ErrUnknownProvider, name)
		}
		// executors never call a provider, so their model is informational
		if spec.Role == domain.RoleExecutor {
			continue
		}
		if _, ok := p.Models[spec.Model]; !ok {
			return fmt.Errorf("agent %s: %w: %s/%s", spec.Name, domain.ErrUnknownModel, name, spec.Model)
		}
	}
	return nil
}

func (r *Registry) Roster() Roster {
	return r.roster
}

func (r *Registry) Provider(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns provider names in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a provider name and logical model to a concrete endpoint.
func (r *Registry) Resolve(name, model string) (Endpoint, error) {
	p, err := r.Provider(name)
	if err != nil {
		return Endpoint{}, err
	}
	backendModel, ok := p.Models[model]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s/%s", domain.ErrUnknownModel, name, model)
	}

	baseURL := p.BaseURL
	if p.BaseURLEnv != "" {
		if v := strings.TrimSpace(r.getenv(p.BaseURLEnv)); v != "" {
			baseURL = v
		}
	}
	var apiKey string
	if p.APIKeyEnv != "" {
		apiKey = strings.TrimSpace(r.getenv(p.APIKeyEnv))
	}

	return Endpoint{
		Provider:   p.Name,
		Kind:       p.Kind,
		BaseURL:    baseURL,
		APIKey:     apiKey,
		APIVersion: p.APIVersion,
		Model:      backendModel,
	}, nil
}
