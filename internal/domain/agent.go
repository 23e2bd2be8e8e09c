// SPDX-License-Identifier: Apache-2.0

package domain

type Role string

const (
	RolePlanner  Role = "planner"
	RoleExecutor Role = "executor"
	RoleAnalyzer Role = "analyzer"
	RoleDecision Role = "decision"
)

// AgentSpec is the static description of one agent.
type AgentSpec struct {
	Name              string   `json:"name" toml:"name" yaml:"name"`
	Role              Role     `json:"role" toml:"role" yaml:"role"`
	Model             string   `json:"model" toml:"model" yaml:"model"`
	PrimaryProvider   string   `json:"primary_provider" toml:"primary_provider" yaml:"primary_provider"`
	FallbackProviders []string `json:"fallback_providers,omitempty" toml:"fallback_providers" yaml:"fallback_providers"`
	Description       string   `json:"description,omitempty" toml:"description" yaml:"description"`
	Persona           string   `json:"persona,omitempty" toml:"persona" yaml:"persona"`
}

// Providers returns the primary provider followed by the fallbacks, in the
// order they are tried.
func (s AgentSpec) Providers() []string {
	out := make([]string, 0, 1+len(s.FallbackProviders))
	if s.PrimaryProvider != "" {
		out = append(out, s.PrimaryProvider)
	}
	return append(out, s.FallbackProviders...)
}
