// SPDX-License-Identifier: Apache-2.0

package provider

import "github.com/adiadia/secflow/internal/domain"

// DefaultProviders mirrors the direct and cloud-hosted variants of the three
// backend families. Bedrock and Vertex are reached through OpenAI-compatible
// gateways whose URL comes from the environment.
func DefaultProviders() []Provider {
	return []Provider{
		{
			Name:      "openai_direct",
			Kind:      KindOpenAI,
			APIKeyEnv: "OPENAI_API_KEY",
			Models: map[string]string{
				"gpt-4":         "gpt-4",
				"gpt-4-turbo":   "gpt-4-turbo-preview",
				"gpt-3.5-turbo": "gpt-3.5-turbo",
			},
		},
		{
			Name:       "azure_openai",
			Kind:       KindAzure,
			BaseURLEnv: "AZURE_OPENAI_ENDPOINT",
			APIKeyEnv:  "AZURE_OPENAI_API_KEY",
			APIVersion: "2024-02-15-preview",
			Models: map[string]string{
				"gpt-4":         "gpt-4",
				"gpt-4-turbo":   "gpt-4-turbo",
				"gpt-3.5-turbo": "gpt-35-turbo",
			},
		},
		{
			Name:      "claude_direct",
			Kind:      KindAnthropic,
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Models: map[string]string{
				"claude-3-opus":   "claude-3-opus-20240229",
				"claude-3-sonnet": "claude-3-sonnet-20240229",
				"claude-3-haiku":  "claude-3-haiku-20240307",
			},
		},
		{
			Name:       "aws_bedrock",
			Kind:       KindOpenAICompat,
			BaseURLEnv: "BEDROCK_GATEWAY_URL",
			APIKeyEnv:  "BEDROCK_GATEWAY_KEY",
			Models: map[string]string{
				"claude-3-opus":   "anthropic.claude-3-opus-20240229-v1:0",
				"claude-3-sonnet": "anthropic.claude-3-sonnet-20240229-v1:0",
				"claude-3-haiku":  "anthropic.claude-3-haiku-20240307-v1:0",
			},
		},
		{
			Name:      "google_direct",
			Kind:      KindOpenAICompat,
			BaseURL:   "https://generativelanguage.googleapis.com/v1beta/openai",
			APIKeyEnv: "GOOGLE_API_KEY",
			Models: map[string]string{
				"gemini-pro":        "gemini-pro",
				"gemini-pro-vision": "gemini-pro-vision",
			},
		},
		{
			Name:       "vertex_ai",
			Kind:       KindOpenAICompat,
			BaseURLEnv: "VERTEX_OPENAI_ENDPOINT",
			APIKeyEnv:  "VERTEX_ACCESS_TOKEN",
			Models: map[string]string{
				"gemini-pro":        "google/gemini-pro",
				"gemini-pro-vision": "google/gemini-pro-vision",
			},
		},
	}
}

type family struct {
	key      string
	label    string
	model    string
	primary  string
	fallback string
	persona  string
}

var families = []family{
	{
		key: "openai", label: "OpenAI", model: "gpt-4",
		primary: "openai_direct", fallback: "azure_openai",
		persona: "Emphasize links between compound vulnerabilities, creative mitigations, business-context strategy and emerging threats.",
	},
	{
		key: "claude", label: "Claude", model: "claude-3-sonnet",
		primary: "claude_direct", fallback: "aws_bedrock",
		persona: "Emphasize conservative risk ratings, safety-first recommendations, staged remediation plans and compliance.",
	},
	{
		key: "gemini", label: "Gemini", model: "gemini-pro",
		primary: "google_direct", fallback: "vertex_ai",
		persona: "Emphasize patterns across large result sets, practical fixes that can be automated and the performance/security balance.",
	},
}

// DefaultRoster returns the planner, three static and three dynamic executors,
// three analyzers and the decision agent.
func DefaultRoster() Roster {
	r := Roster{
		Planner: domain.AgentSpec{
			Name:              "manager",
			Role:              domain.RolePlanner,
			Model:             "gpt-4",
			PrimaryProvider:   "openai_direct",
			FallbackProviders: []string{"azure_openai"},
			Description:       "Plans the security test and generates execution packages for the executors.",
		},
		Decision: domain.AgentSpec{
			Name:              "decision",
			Role:              domain.RoleDecision,
			Model:             "gpt-4",
			PrimaryProvider:   "openai_direct",
			FallbackProviders: []string{"azure_openai"},
			Description:       "Produces the final security assessment and report.",
		},
	}

	for _, f := range families {
		r.Static = append(r.Static, domain.AgentSpec{
			Name:              "static_" + f.key,
			Role:              domain.RoleExecutor,
			Model:             f.model,
			PrimaryProvider:   f.primary,
			FallbackProviders: []string{f.fallback},
			Description:       "Static analysis executor (" + f.label + ").",
		})
		r.Dynamic = append(r.Dynamic, domain.AgentSpec{
			Name:              "dynamic_" + f.key,
			Role:              domain.RoleExecutor,
			Model:             f.model,
			PrimaryProvider:   f.primary,
			FallbackProviders: []string{f.fallback},
			Description:       "Dynamic testing executor (" + f.label + ").",
		})
	}

	// analyzers run claude, gemini, openai
	for _, i := range []int{1, 2, 0} {
		f := families[i]
		r.Analyzers = append(r.Analyzers, domain.AgentSpec{
			Name:              "analyzer_" + f.key,
			Role:              domain.RoleAnalyzer,
			Model:             f.model,
			PrimaryProvider:   f.primary,
			FallbackProviders: []string{f.fallback},
			Description:       "Analyzes combined security test results (" + f.label + ").",
			Persona:           f.persona,
		})
	}

	return r
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := New(DefaultProviders(), DefaultRoster())
	if err != nil {
		panic("provider: invalid built-in registry: " + err.Error())
	}
	return r
}
