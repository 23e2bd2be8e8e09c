// SPDX-License-Identifier: Apache-2.0

// Package agent implements the named roles of a workflow. Every role is the
// same Agent type; what varies is the Task that turns an input payload into a
// prompt and parses the reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/reasoning"
)

// Processor is the single contract the orchestrator and worker pools use.
type Processor interface {
	Name() string
	Process(ctx context.Context, input domain.Payload) (domain.Payload, error)
}

// Prompt is what a Task asks the model.
type Prompt struct {
	System    string
	User      string
	MaxTokens int
}

// Task supplies the role-specific behavior of an Agent.
type Task interface {
	Prompt(spec domain.AgentSpec, input domain.Payload) (Prompt, error)
	Parse(spec domain.AgentSpec, input domain.Payload, reply Reply) (domain.Payload, error)
}

// Reply is a successful completion and the provider that produced it.
type Reply struct {
	Text     string
	Provider string
}

type Agent struct {
	spec   domain.AgentSpec
	client reasoning.Completer
	task   Task
	logger *slog.Logger
}

func New(spec domain.AgentSpec, client reasoning.Completer, task Task, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	spec.FallbackProviders = append([]string(nil), spec.FallbackProviders...)
	return &Agent{
		spec:   spec,
		client: client,
		task:   task,
		logger: logging.Component(logger, "agent").With("agent", spec.Name),
	}
}

func (a *Agent) Name() string { return a.spec.Name }

// Spec returns a copy of the agent's spec.
func (a *Agent) Spec() domain.AgentSpec {
	s := a.spec
	s.FallbackProviders = append([]string(nil), a.spec.FallbackProviders...)
	return s
}

func (a *Agent) Process(ctx context.Context, input domain.Payload) (domain.Payload, error) {
	prompt, err := a.task.Prompt(a.Spec(), input)
	if err != nil {
		return nil, fmt.Errorf("agent %s: build prompt: %w", a.spec.Name, err)
	}

	reply, err := a.Call(ctx, prompt)
	if err != nil {
		return nil, err
	}

	out, err := a.task.Parse(a.Spec(), input, reply)
	if err != nil {
		return nil, fmt.Errorf("agent %s: parse reply from %s: %w", a.spec.Name, reply.Provider, err)
	}
	out["agent"] = a.spec.Name
	out["provider"] = reply.Provider
	return out, nil
}

// Call tries the primary provider and then each fallback in order, once each,
// and returns the first success. When all fail the error is an
// *ExhaustedError holding every attempt.
func (a *Agent) Call(ctx context.Context, prompt Prompt) (Reply, error) {
	chain := a.spec.Providers()
	exhausted := &ExhaustedError{Agent: a.spec.Name}

	for i, name := range chain {
		resp, err := a.client.Complete(ctx, reasoning.Request{
			Provider:  name,
			Model:     a.spec.Model,
			System:    prompt.System,
			Prompt:    prompt.User,
			MaxTokens: prompt.MaxTokens,
		})
		if err == nil {
			if i > 0 {
				a.logger.Info("provider attempt succeeded on fallback", "provider", name, "attempt", i+1)
			} else {
				a.logger.Debug("provider attempt succeeded", "provider", name)
			}
			return Reply{Text: resp.Text, Provider: name}, nil
		}

		a.logger.Warn("provider attempt failed", "provider", name, "attempt", i+1, "of", len(chain), "error", err)
		exhausted.add(name, err)
	}

	if len(chain) == 0 {
		exhausted.add("", fmt.Errorf("no providers configured"))
	}
	return Reply{}, exhausted
}

// ExhaustedError reports that every provider in an agent's chain failed.
type ExhaustedError struct {
	Agent     string
	Primary   Attempt
	Fallbacks []Attempt
}

type Attempt struct {
	Provider string
	Err      error
}

func (e *ExhaustedError) add(provider string, err error) {
	if e.Primary.Err == nil {
		e.Primary = Attempt{Provider: provider, Err: err}
		return
	}
	e.Fallbacks = append(e.Fallbacks, Attempt{Provider: provider, Err: err})
}

// Attempts returns the primary attempt followed by the fallbacks in order.
func (e *ExhaustedError) Attempts() []Attempt {
	return append([]Attempt{e.Primary}, e.Fallbacks...)
}

// Providers returns the provider names in the order they were tried.
func (e *ExhaustedError) Providers() []string {
	out := make([]string, 0, 1+len(e.Fallbacks))
	for _, a := range e.Attempts() {
		out = append(out, a.Provider)
	}
	return out
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent %s: all providers failed: primary %s: %v", e.Agent, e.Primary.Provider, e.Primary.Err)
	for _, f := range e.Fallbacks {
		fmt.Fprintf(&b, "; fallback %s: %v", f.Provider, f.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error {
	out := make([]error, 0, 1+len(e.Fallbacks))
	for _, a := range e.Attempts() {
		out = append(out, a.Err)
	}
	return out
}
