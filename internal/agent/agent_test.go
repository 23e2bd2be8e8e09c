// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/reasoning"
)

// scriptedCompleter answers per provider and records the order of calls.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies map[string]string
	calls   []string
}

func (s *scriptedCompleter) Complete(_ context.Context, req reasoning.Request) (reasoning.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req.Provider)
	text, ok := s.replies[req.Provider]
	if !ok {
		return reasoning.Response{}, &reasoning.ProviderError{
			Provider: req.Provider,
			Model:    req.Model,
			Err:      fmt.Errorf("%s unavailable", req.Provider),
		}
	}
	return reasoning.Response{Provider: req.Provider, Model: req.Model, Text: text}, nil
}

type echoTask struct{}

func (echoTask) Prompt(domain.AgentSpec, domain.Payload) (Prompt, error) {
	return Prompt{User: "hi"}, nil
}

func (echoTask) Parse(_ domain.AgentSpec, _ domain.Payload, reply Reply) (domain.Payload, error) {
	return domain.Payload{"text": reply.Text}, nil
}

func chainSpec(primary string, fallbacks ...string) domain.AgentSpec {
	return domain.AgentSpec{
		Name:              "tester",
		Role:              domain.RoleAnalyzer,
		Model:             "m",
		PrimaryProvider:   primary,
		FallbackProviders: fallbacks,
	}
}

func TestProcessUsesFirstReachableProvider(t *testing.T) {
	cases := []struct {
		name    string
		working []string
		want    string
		calls   []string
	}{
		{name: "primary", working: []string{"a", "b", "c"}, want: "a", calls: []string{"a"}},
		{name: "first fallback", working: []string{"b", "c"}, want: "b", calls: []string{"a", "b"}},
		{name: "last fallback", working: []string{"c"}, want: "c", calls: []string{"a", "b", "c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &scriptedCompleter{replies: map[string]string{}}
			for _, p := range tc.working {
				c.replies[p] = "from " + p
			}
			a := New(chainSpec("a", "b", "c"), c, echoTask{}, logging.Discard())

			out, err := a.Process(context.Background(), domain.Payload{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, out["provider"])
			assert.Equal(t, "from "+tc.want, out["text"])
			assert.Equal(t, "tester", out["agent"])
			assert.Equal(t, tc.calls, c.calls)
		})
	}
}

func TestProcessExhaustedEnumeratesEveryProviderOnce(t *testing.T) {
	c := &scriptedCompleter{replies: map[string]string{}}
	a := New(chainSpec("a", "b", "c"), c, echoTask{}, logging.Discard())

	_, err := a.Process(context.Background(), domain.Payload{})
	require.Error(t, err)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, []string{"a", "b", "c"}, ex.Providers())
	assert.Equal(t, "a", ex.Primary.Provider)
	require.Len(t, ex.Fallbacks, 2)
	assert.Equal(t, []string{"a", "b", "c"}, c.calls)

	var pe *reasoning.ProviderError
	assert.ErrorAs(t, err, &pe)
	for _, p := range []string{"primary a", "fallback b", "fallback c"} {
		assert.Contains(t, err.Error(), p)
	}
}

func TestAgentSpecIsCopied(t *testing.T) {
	spec := chainSpec("a", "b")
	a := New(spec, &scriptedCompleter{}, echoTask{}, logging.Discard())

	spec.FallbackProviders[0] = "mutated"
	got := a.Spec()
	got.FallbackProviders[0] = "mutated again"

	assert.Equal(t, []string{"a", "b"}, a.Spec().Providers())
}

type fakeRunner struct {
	statuses map[string]domain.ExecutionStatus
	seen     []string
}

// Run reports the configured status for the package's shell commands. The
// package itself completes unless the status is a package-level one.
func (f *fakeRunner) Run(_ context.Context, pkg domain.ExecutionPackage) domain.ExecutionResult {
	f.seen = append(f.seen, pkg.TestType)
	st, ok := f.statuses[pkg.TestType]
	if !ok {
		st = domain.ExecCompleted
	}
	if st == domain.ExecInvalidPackage {
		return domain.ExecutionResult{Status: st, TestType: pkg.TestType, Error: "boom"}
	}
	res := domain.ExecutionResult{Status: domain.ExecCompleted, TestType: pkg.TestType}
	for _, c := range pkg.ShellCommands {
		res.Commands = append(res.Commands, domain.CommandResult{Command: c, Status: st})
	}
	return res
}

func TestExecutorAgentProcess(t *testing.T) {
	r := &fakeRunner{statuses: map[string]domain.ExecutionStatus{"xss_testing": domain.ExecFailed}}
	e := NewExecutor(domain.AgentSpec{Name: "static_openai", PrimaryProvider: "openai_direct"}, r, logging.Discard())

	// packages as they arrive after a JSON round trip through a queue
	input := domain.Payload{KeyPackages: []any{
		map[string]any{"test_type": "port_scan", "shell_commands": []any{"nmap x"}},
		map[string]any{"test_type": "xss_testing", "shell_commands": []any{"curl x"}},
	}}

	out, err := e.Process(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan", "xss_testing"}, r.seen)
	assert.Equal(t, "openai_direct", out["provider"])
	assert.Equal(t, 2, out[KeyExecutedPackages])
	assert.Equal(t, 0, out[KeyRejectedPackages])
	assert.Equal(t, domain.UnitTally{Completed: 1, Failed: 1}, out[KeyUnits])

	results, err := Results(out)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "static_openai", results[0].ExecutorID)
}

func TestExecutorAgentKeepsBlockedAndTimedOutUnits(t *testing.T) {
	r := &fakeRunner{statuses: map[string]domain.ExecutionStatus{
		"port_scan":     domain.ExecBlocked,
		"sql_injection": domain.ExecTimeout,
	}}
	e := NewExecutor(domain.AgentSpec{Name: "dynamic_claude"}, r, logging.Discard())

	out, err := e.Process(context.Background(), domain.Payload{KeyPackages: []domain.ExecutionPackage{
		{TestType: "port_scan", ShellCommands: []string{"nmap -sV -Pn --top-ports 100 shopsupply.example"}},
		{TestType: "sql_injection", ShellCommands: []string{"sqlmap -u http://x --batch"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, out[KeyExecutedPackages])
	assert.Equal(t, domain.UnitTally{Blocked: 1, TimedOut: 1}, out[KeyUnits])
}

func TestExecutorAgentFailsWhenNoPackageCanRun(t *testing.T) {
	r := &fakeRunner{statuses: map[string]domain.ExecutionStatus{"port_scan": domain.ExecInvalidPackage}}
	e := NewExecutor(domain.AgentSpec{Name: "dynamic_claude"}, r, logging.Discard())

	_, err := e.Process(context.Background(), domain.Payload{KeyPackages: []domain.ExecutionPackage{
		{TestType: "port_scan", ShellCommands: []string{"nmap x"}},
	}})
	assert.Error(t, err)

	_, err = e.Process(context.Background(), domain.Payload{KeyPackages: []domain.ExecutionPackage{}})
	assert.True(t, errors.Is(err, domain.ErrEmptyPackage))

	_, err = e.Process(context.Background(), domain.Payload{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Process(ctx, domain.Payload{KeyPackages: []domain.ExecutionPackage{
		{TestType: "xss_testing", ShellCommands: []string{"curl x"}},
	}})
	assert.ErrorIs(t, err, context.Canceled)
}
