// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/reasoning"
	"github.com/adiadia/secflow/internal/sandbox"
)

// stubCompleter answers with reply(n) on its n-th call, starting at 0.
type stubCompleter struct {
	mu    sync.Mutex
	calls int
	reply func(n int, req reasoning.Request) (string, error)
}

func (s *stubCompleter) Complete(_ context.Context, req reasoning.Request) (reasoning.Response, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()

	text, err := s.reply(n, req)
	if err != nil {
		return reasoning.Response{}, &reasoning.ProviderError{Provider: req.Provider, Model: req.Model, Err: err}
	}
	return reasoning.Response{Provider: req.Provider, Model: req.Model, Text: text}, nil
}

func (s *stubCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func always(text string) *stubCompleter {
	return &stubCompleter{reply: func(int, reasoning.Request) (string, error) { return text, nil }}
}

type stubRunner struct {
	calls atomic.Int32
	fail  bool
}

func (r *stubRunner) Run(_ context.Context, pkg domain.ExecutionPackage) domain.ExecutionResult {
	r.calls.Add(1)
	if r.fail {
		return domain.ExecutionResult{Status: domain.ExecFailed, TestType: pkg.TestType, Error: "tool crashed"}
	}
	return domain.ExecutionResult{
		Status:   domain.ExecCompleted,
		TestType: pkg.TestType,
		Commands: []domain.CommandResult{{Command: pkg.ShellCommands[0], Status: domain.ExecCompleted, Output: "80/tcp open http"}},
	}
}

const (
	planReply     = `[{"test_type":"port_scan","shell_commands":["nmap -sV -Pn x"]}]`
	analysisReply = `{"risk":"medium","summary":"port 80 is exposed without TLS"}`
	decisionReply = `{"final_security_score": 72, "critical_issues": [], "recommendations": ["enable TLS"], "final_report": "acceptable"}`
)

type harness struct {
	planner  *stubCompleter
	analysis *stubCompleter
	decision *stubCompleter
	runner   *stubRunner
	// sandbox replaces runner for the executors when set.
	sandbox agent.Runner
	orch    *Orchestrator
}

func spec(name string, role domain.Role, provider string) domain.AgentSpec {
	return domain.AgentSpec{Name: name, Role: role, Model: "gpt-4", PrimaryProvider: provider}
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	h := &harness{
		planner:  always(planReply),
		analysis: always(analysisReply),
		decision: always(decisionReply),
		runner:   &stubRunner{},
	}
	h.build(maxRetries)
	return h
}

func (h *harness) build(maxRetries int) {
	log := logging.Discard()
	providers := []string{"openai_direct", "claude_direct", "google_direct"}
	suffix := []string{"openai", "claude", "gemini"}

	var runner agent.Runner = h.runner
	if h.sandbox != nil {
		runner = h.sandbox
	}

	var procs []agent.Processor
	var static, dynamic, analyzers []string
	for i, p := range providers {
		s := agent.NewExecutor(spec("static_"+suffix[i], domain.RoleExecutor, p), runner, log)
		d := agent.NewExecutor(spec("dynamic_"+suffix[i], domain.RoleExecutor, p), runner, log)
		a := agent.New(spec("analyzer_"+suffix[i], domain.RoleAnalyzer, p), h.analysis, agent.AnalysisTask{}, log)
		procs = append(procs, s, d, a)
		static = append(static, s.Name())
		dynamic = append(dynamic, d.Name())
		analyzers = append(analyzers, a.Name())
	}

	h.orch = New(Deps{
		Planner:    agent.New(spec("manager", domain.RolePlanner, "openai_direct"), h.planner, agent.PlanTask{}, log),
		Decision:   agent.New(spec("decision", domain.RoleDecision, "openai_direct"), h.decision, agent.DecisionTask{}, log),
		Static:     static,
		Dynamic:    dynamic,
		Analyzers:  analyzers,
		Dispatcher: distribution.NewLocalDispatcher(0, procs...),
		Gate:       QualityGate{Threshold: DefaultQualityThreshold},
		Logger:     log,
		MaxRetries: maxRetries,
	})
}

func submission() domain.Submission {
	return domain.Submission{
		TargetInfo: map[string]any{"target_url": "http://x"},
		TestScope:  []string{"port_scan"},
	}
}

type recorder struct {
	mu      sync.Mutex
	events  []Event
	states  []State
	abortAt domain.Phase
	abort   atomic.Bool
}

func (r *recorder) Observe(_ context.Context, st State, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.states = append(r.states, st)
	if r.abortAt != "" && ev.Type == domain.EventPhaseCompleted && ev.Phase == r.abortAt {
		r.abort.Store(true)
	}
}

func (r *recorder) Aborted() bool { return r.abort.Load() }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, 3)
	rec := &recorder{}

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), rec)

	require.Equal(t, domain.ReportSuccess, report.Status, report.Error)
	score, ok := report.FinalResult[agent.KeySecurityScore].(int)
	require.True(t, ok)
	assert.Equal(t, 72, score)
	assert.GreaterOrEqual(t, score, 0)
	assert.LessOrEqual(t, score, 100)

	require.NotNil(t, report.Summary)
	assert.Equal(t, 6, report.Summary.TotalPhases)
	assert.Equal(t, 6, report.Summary.CompletedPhases)
	assert.Zero(t, report.Summary.TotalRetries)
	assert.Equal(t, domain.StatusCompleted, report.Summary.FinalStatus)

	assert.Equal(t, domain.PhaseCompleted, final.Phase)
	assert.Equal(t, 100, final.Progress())

	static, ok := final.Latest(domain.PhaseStaticAnalysis)
	require.True(t, ok)
	assert.Len(t, static.Results, 3)
	assert.Contains(t, static.Results, "claude_direct")

	// 3 static and 3 dynamic executors, one package each.
	assert.Equal(t, int32(6), h.runner.calls.Load())
	assert.Equal(t, 3, h.analysis.Calls())

	types := rec.types()
	assert.Equal(t, domain.EventPhaseStarted, types[0])
	assert.Equal(t, domain.EventWorkflowCompleted, types[len(types)-1])
	assert.NotContains(t, types, domain.EventQualityGateFailed)
}

func TestRunQualityGateRetryBound(t *testing.T) {
	h := newHarness(t, 3)
	h.analysis = always("   ")
	h.build(3)
	rec := &recorder{}

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), rec)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, domain.PhaseAnalysis, report.CurrentPhase)
	assert.Equal(t, 3, report.RetryCounts[domain.PhaseAnalysis])
	assert.Contains(t, report.Error, "quality")

	// max_retries + 1 analysis attempts, three analyzers each.
	assert.Equal(t, 4*3, h.analysis.Calls())
	assert.Equal(t, int32(4*6), h.runner.calls.Load())
	assert.Equal(t, 1, h.planner.Calls(), "planning is never re-run")
	assert.Zero(t, h.decision.Calls())

	attempts := 0
	for _, r := range final.History {
		if r.Phase == domain.PhaseAnalysis {
			attempts++
		}
	}
	assert.Equal(t, 4, attempts)
	assert.Equal(t, domain.StatusFailed, final.Status)

	gateFailures := 0
	for _, ty := range rec.types() {
		if ty == domain.EventQualityGateFailed {
			gateFailures++
		}
	}
	assert.Equal(t, 4, gateFailures)
}

func TestRunRetriesThenPasses(t *testing.T) {
	h := newHarness(t, 3)
	h.analysis = &stubCompleter{reply: func(n int, _ reasoning.Request) (string, error) {
		if n < 3 {
			return "", nil
		}
		return analysisReply, nil
	}}
	h.build(3)

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), nil)

	require.Equal(t, domain.ReportSuccess, report.Status, report.Error)
	assert.Equal(t, 1, report.Summary.TotalRetries)
	assert.Equal(t, 1, final.RetryCounts[domain.PhaseAnalysis])

	retry, ok := func() (domain.WorkflowResult, bool) {
		for _, r := range final.History {
			if r.Status == domain.StatusRetry {
				return r, true
			}
		}
		return domain.WorkflowResult{}, false
	}()
	require.True(t, ok)
	assert.Equal(t, domain.PhaseAnalysis, retry.Phase)
}

func TestRunZeroRetriesFailsOnFirstGateMiss(t *testing.T) {
	h := newHarness(t, -1)
	h.analysis = always("")
	h.build(-1)

	report, _ := h.orch.Run(context.Background(), uuid.New(), submission(), nil)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, 3, h.analysis.Calls())
	assert.Zero(t, report.RetryCounts[domain.PhaseAnalysis])
}

func TestRunPlannerExhausted(t *testing.T) {
	h := newHarness(t, 3)
	h.planner = &stubCompleter{reply: func(int, reasoning.Request) (string, error) {
		return "", errors.New("503 from upstream")
	}}
	h.build(3)

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), nil)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, domain.PhasePlanning, report.CurrentPhase)
	assert.Contains(t, report.Error, "openai_direct")
	assert.Contains(t, report.Error, "503 from upstream")
	assert.Zero(t, h.runner.calls.Load())
	assert.Equal(t, domain.PhasePlanning, final.Phase)
	require.NotNil(t, report.RetryCounts)
}

func TestRunToleratesPartialExecutorFailure(t *testing.T) {
	h := newHarness(t, 3)
	log := logging.Discard()
	broken := &stubRunner{fail: true}

	good := agent.NewExecutor(spec("static_openai", domain.RoleExecutor, "openai_direct"), h.runner, log)
	bad := agent.NewExecutor(spec("static_claude", domain.RoleExecutor, "claude_direct"), broken, log)
	dyn := agent.NewExecutor(spec("dynamic_openai", domain.RoleExecutor, "openai_direct"), h.runner, log)
	an := agent.New(spec("analyzer_openai", domain.RoleAnalyzer, "openai_direct"), h.analysis, agent.AnalysisTask{}, log)

	h.orch = New(Deps{
		Planner:    agent.New(spec("manager", domain.RolePlanner, "openai_direct"), h.planner, agent.PlanTask{}, log),
		Decision:   agent.New(spec("decision", domain.RoleDecision, "openai_direct"), h.decision, agent.DecisionTask{}, log),
		Static:     []string{"static_openai", "static_claude"},
		Dynamic:    []string{"dynamic_openai"},
		Analyzers:  []string{"analyzer_openai"},
		Dispatcher: distribution.NewLocalDispatcher(0, good, bad, dyn, an),
		Logger:     log,
	})

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), nil)
	require.Equal(t, domain.ReportSuccess, report.Status, report.Error)

	static, _ := final.Latest(domain.PhaseStaticAnalysis)
	assert.Len(t, static.Results, 1)
	require.Len(t, static.Errors, 1)
	assert.Contains(t, static.Errors[0], "static_claude")
}

func TestRunFailsWhenEveryWorkerFails(t *testing.T) {
	h := newHarness(t, 3)
	h.runner.fail = true

	report, _ := h.orch.Run(context.Background(), uuid.New(), submission(), nil)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.Equal(t, domain.PhaseStaticAnalysis, report.CurrentPhase)
	assert.Contains(t, report.Error, "0 of 3 workers succeeded")
	assert.Zero(t, h.analysis.Calls())
}

func TestRunBlockedCommandsStillReachAnalysis(t *testing.T) {
	h := newHarness(t, 3)
	// "shopsupply" contains the denied token "su", so every command is blocked.
	h.planner = always(`[{"test_type":"port_scan","shell_commands":["nmap -sV -Pn --top-ports 100 shopsupply.example"]}]`)
	h.sandbox = sandbox.New(sandbox.Config{Logger: logging.Discard()})
	h.build(3)
	rec := &recorder{}

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), rec)

	require.Equal(t, domain.ReportSuccess, report.Status, report.Error)
	assert.Equal(t, 3, h.analysis.Calls())

	var executed []domain.Payload
	for _, phase := range []domain.Phase{domain.PhaseStaticAnalysis, domain.PhaseDynamicTesting} {
		res, ok := final.Latest(phase)
		require.True(t, ok, phase)
		assert.Equal(t, domain.StatusCompleted, res.Status, phase)
		assert.Len(t, res.Results, 3, phase)
		assert.Empty(t, res.Errors, phase)
		executed = append(executed, res.Results)
	}

	summary := agent.Summarize(executed...)
	assert.Equal(t, 6, summary.TotalTests)
	assert.Equal(t, 6, summary.BlockedCommands)
	assert.Zero(t, summary.SuccessfulTests)
}

func TestRunStopsAdvancingAfterAbort(t *testing.T) {
	h := newHarness(t, 3)
	rec := &recorder{abortAt: domain.PhasePlanning}

	report, final := h.orch.Run(context.Background(), uuid.New(), submission(), rec)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.True(t, final.Aborted)
	assert.Zero(t, h.runner.calls.Load())
	types := rec.types()
	assert.Equal(t, domain.EventWorkflowAborted, types[len(types)-1])
}

type panicky struct{}

func (panicky) Name() string { return "manager" }

func (panicky) Process(context.Context, domain.Payload) (domain.Payload, error) {
	panic("nil map write")
}

func TestRunRecoversPanics(t *testing.T) {
	o := New(Deps{Planner: panicky{}, Logger: logging.Discard()})

	report, final := o.Run(context.Background(), uuid.New(), submission(), nil)

	require.Equal(t, domain.ReportFailed, report.Status)
	assert.Contains(t, report.Error, "nil map write")
	assert.Equal(t, domain.PhasePlanning, report.CurrentPhase)
	assert.Equal(t, domain.StatusFailed, final.Status)
}

func TestPhaseErrorUnwraps(t *testing.T) {
	err := &PhaseError{Phase: domain.PhaseDecision, Err: ErrAborted}
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, "phase decision: workflow aborted", err.Error())
}
