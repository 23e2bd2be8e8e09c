// SPDX-License-Identifier: Apache-2.0

// Package orchestrator drives a workflow through planning, static analysis,
// dynamic testing, analysis and decision. All state transitions for one
// workflow happen on the goroutine running Run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/metrics"
)

// ErrAborted is returned in the report of a workflow stopped by its caller.
var ErrAborted = errors.New("workflow aborted")

// PhaseError ties a failure to the phase where it happened.
type PhaseError struct {
	Phase domain.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Event is emitted to the Observer on every transition.
type Event struct {
	Type    string
	Phase   domain.Phase
	Attempt int
	Detail  map[string]any
}

// Observer receives every state change of a run. Aborted is polled before
// each phase starts.
type Observer interface {
	Observe(ctx context.Context, st State, ev Event)
	Aborted() bool
}

type Deps struct {
	Planner  agent.Processor
	Decision agent.Processor

	// Worker names per fan-out phase, as known to Dispatcher.
	Static    []string
	Dynamic   []string
	Analyzers []string

	Dispatcher distribution.Dispatcher
	Gate       Gate
	Logger     *slog.Logger

	MaxRetries         int
	MinWorkerSuccesses int
	PhaseTimeout       time.Duration
}

type Orchestrator struct {
	planner    agent.Processor
	decision   agent.Processor
	static     []string
	dynamic    []string
	analyzers  []string
	dispatcher distribution.Dispatcher
	gate       Gate
	logger     *slog.Logger
	tracer     trace.Tracer

	maxRetries   int
	minSuccesses int
	phaseTimeout time.Duration
}

// New builds an orchestrator. A negative MaxRetries means zero retries;
// zero selects the default of 3.
func New(deps Deps) *Orchestrator {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	maxRetries := deps.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 0
	}

	minSuccesses := deps.MinWorkerSuccesses
	if minSuccesses <= 0 {
		minSuccesses = 1
	}

	timeout := deps.PhaseTimeout
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}

	gate := deps.Gate
	if gate == nil {
		gate = QualityGate{Threshold: DefaultQualityThreshold}
	}

	return &Orchestrator{
		planner:      deps.Planner,
		decision:     deps.Decision,
		static:       deps.Static,
		dynamic:      deps.Dynamic,
		analyzers:    deps.Analyzers,
		dispatcher:   deps.Dispatcher,
		gate:         gate,
		logger:       logging.Component(l, "orchestrator"),
		tracer:       otel.Tracer("github.com/adiadia/secflow/internal/orchestrator"),
		maxRetries:   maxRetries,
		minSuccesses: minSuccesses,
		phaseTimeout: timeout,
	}
}

func (o *Orchestrator) MaxRetries() int { return o.maxRetries }

type run struct {
	o      *Orchestrator
	st     State
	obs    Observer
	logger *slog.Logger
}

func (r *run) emit(ctx context.Context, ev Event) {
	if r.obs != nil {
		r.obs.Observe(ctx, r.st, ev)
	}
}

func (r *run) aborted() bool {
	return r.obs != nil && r.obs.Aborted()
}

// Run executes the whole pipeline and always returns a report; failures are
// reported, never returned as errors. obs may be nil.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID, sub domain.Submission, obs Observer) (report domain.Report, final State) {
	r := &run{
		o:      o,
		st:     NewState(id, sub),
		obs:    obs,
		logger: o.logger.With("workflow_id", id),
	}

	ctx, span := o.tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("workflow_id", id.String()),
	))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err := &PhaseError{Phase: r.st.Phase, Err: fmt.Errorf("unrecoverable: %v", p)}
			r.logger.Error("workflow panicked", "phase", r.st.Phase, "error", err)
			r.st = r.st.Fail(domain.WorkflowResult{Phase: r.st.Phase, Errors: []string{err.Error()}}, err)
			report, final = r.failure(ctx, err)
		}
		if final.Status == domain.StatusFailed {
			span.SetStatus(codes.Error, final.Err)
		}
		span.SetAttributes(attribute.String("status", string(final.Status)))
	}()

	r.logger.Info("workflow started", "target", sub.TargetURL(), "scope", sub.TestScope)

	err := r.pipeline(ctx)
	if err != nil {
		return r.failure(ctx, err)
	}

	decision, _ := r.st.Latest(domain.PhaseDecision)
	report = domain.Report{
		Status:      domain.ReportSuccess,
		WorkflowID:  id,
		FinalResult: decision.Results,
	}
	summary := r.st.Summary()
	report.Summary = &summary

	r.logger.Info("workflow completed", "retries", summary.TotalRetries, "score", decision.Results[agent.KeySecurityScore])
	r.emit(ctx, Event{Type: domain.EventWorkflowCompleted, Phase: domain.PhaseCompleted, Detail: map[string]any{"summary": summary}})
	return report, r.st
}

func (r *run) pipeline(ctx context.Context) error {
	sub := r.st.Submission
	input := domain.Payload{
		agent.KeyTargetInfo: sub.TargetInfo,
		agent.KeyTestScope:  sub.TestScope,
		agent.KeyTargetURL:  sub.TargetURL(),
	}

	plan, err := r.single(ctx, domain.PhasePlanning, r.o.planner, input)
	if err != nil {
		return err
	}
	plan[agent.KeyTargetURL] = sub.TargetURL()

	for {
		static, err := r.fanOut(ctx, domain.PhaseStaticAnalysis, r.o.static, plan)
		if err != nil {
			return err
		}
		dynamic, err := r.fanOut(ctx, domain.PhaseDynamicTesting, r.o.dynamic, plan)
		if err != nil {
			return err
		}

		summary := agent.Summarize(static, dynamic)
		analysis, verdict, err := r.analyze(ctx, domain.Payload{
			agent.KeyTargetURL:        sub.TargetURL(),
			agent.KeyStaticResults:    static,
			agent.KeyDynamicResults:   dynamic,
			agent.KeyExecutionSummary: summary,
		})
		if err != nil {
			return err
		}
		if verdict.Pass {
			_, err = r.single(ctx, domain.PhaseDecision, r.o.decision, domain.Payload{
				agent.KeyTargetURL:        sub.TargetURL(),
				agent.KeyAnalysisResults:  analysis,
				agent.KeyExecutionSummary: summary,
			})
			return err
		}
	}
}

func (r *run) begin(ctx context.Context, phase domain.Phase) (int, error) {
	if r.aborted() {
		r.st = r.st.Abort()
		r.logger.Warn("workflow aborted", "phase", r.st.Phase)
		return 0, &PhaseError{Phase: r.st.Phase, Err: ErrAborted}
	}
	if err := ctx.Err(); err != nil {
		return 0, &PhaseError{Phase: phase, Err: err}
	}

	r.st = r.st.Enter(phase)
	attempt := r.st.RetryCounts[domain.PhaseAnalysis] + 1
	metrics.IncPhaseTransition(phase, domain.StatusRunning)
	r.logger.Info("phase started", "phase", phase, "attempt", attempt)
	r.emit(ctx, Event{Type: domain.EventPhaseStarted, Phase: phase, Attempt: attempt})
	return attempt, nil
}

func (r *run) complete(ctx context.Context, res domain.WorkflowResult, attempt int) {
	res.FinishedAt = time.Now().UTC()
	r.st = r.st.Complete(res)
	metrics.IncPhaseTransition(res.Phase, domain.StatusCompleted)
	metrics.ObservePhaseDuration(res.Phase, res.FinishedAt.Sub(res.StartedAt))
	r.logger.Info("phase completed", "phase", res.Phase, "attempt", attempt, "errors", len(res.Errors))
	r.emit(ctx, Event{Type: domain.EventPhaseCompleted, Phase: res.Phase, Attempt: attempt, Detail: map[string]any{"workers": len(res.Results)}})
}

func (r *run) fail(ctx context.Context, res domain.WorkflowResult, attempt int, err error) error {
	perr := &PhaseError{Phase: res.Phase, Err: err}
	res.FinishedAt = time.Now().UTC()
	r.st = r.st.Fail(res, perr)
	metrics.IncPhaseTransition(res.Phase, domain.StatusFailed)
	metrics.ObservePhaseDuration(res.Phase, res.FinishedAt.Sub(res.StartedAt))
	r.logger.Error("phase failed", "phase", res.Phase, "attempt", attempt, "error", err)
	r.emit(ctx, Event{Type: domain.EventPhaseFailed, Phase: res.Phase, Attempt: attempt, Detail: map[string]any{"errors": res.Errors}})
	return perr
}

// single runs a phase backed by one agent.
func (r *run) single(ctx context.Context, phase domain.Phase, p agent.Processor, input domain.Payload) (domain.Payload, error) {
	attempt, err := r.begin(ctx, phase)
	if err != nil {
		return nil, err
	}

	ctx, span := r.o.tracer.Start(ctx, "workflow.phase", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.String("agent", p.Name()),
	))
	defer span.End()

	res := domain.WorkflowResult{Phase: phase, StartedAt: time.Now().UTC(), RetryCount: attempt - 1}
	pctx, cancel := context.WithTimeout(ctx, r.o.phaseTimeout)
	out, err := p.Process(pctx, input)
	cancel()
	if err != nil {
		span.RecordError(err)
		res.Errors = []string{err.Error()}
		return nil, r.fail(ctx, res, attempt, err)
	}

	res.Results = out
	r.complete(ctx, res, attempt)
	return out, nil
}

// fanOut dispatches input to every worker and completes the phase when
// enough of them succeeded.
func (r *run) fanOut(ctx context.Context, phase domain.Phase, workers []string, input domain.Payload) (domain.Payload, error) {
	res, attempt, err := r.collect(ctx, phase, workers, input)
	if err != nil {
		return nil, err
	}
	r.complete(ctx, res, attempt)
	return res.Results, nil
}

// collect runs one fan-out and keys the outputs by the provider that served
// them. It fails the phase when fewer than the configured minimum of workers
// succeeded; otherwise the caller decides how the phase ends.
func (r *run) collect(ctx context.Context, phase domain.Phase, workers []string, input domain.Payload) (domain.WorkflowResult, int, error) {
	attempt, err := r.begin(ctx, phase)
	if err != nil {
		return domain.WorkflowResult{}, 0, err
	}

	ctx, span := r.o.tracer.Start(ctx, "workflow.phase", trace.WithAttributes(
		attribute.String("phase", string(phase)),
		attribute.Int("workers", len(workers)),
	))
	defer span.End()

	res := domain.WorkflowResult{
		Phase:      phase,
		StartedAt:  time.Now().UTC(),
		Errors:     []string{},
		RetryCount: attempt - 1,
	}

	pctx, cancel := context.WithTimeout(ctx, r.o.phaseTimeout)
	outcomes, err := r.o.dispatcher.Dispatch(pctx, distribution.Job{
		WorkflowID: r.st.WorkflowID,
		Phase:      phase,
		Attempt:    attempt,
		Workers:    workers,
		Input:      input,
	})
	cancel()
	if err != nil {
		span.RecordError(err)
		res.Errors = append(res.Errors, err.Error())
		return res, attempt, r.fail(ctx, res, attempt, err)
	}

	results := domain.Payload{}
	var errs []error
	for _, oc := range outcomes {
		if oc.Err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", oc.Worker, oc.Err))
			errs = append(errs, fmt.Errorf("%s: %w", oc.Worker, oc.Err))
			continue
		}
		results[resultKey(results, oc)] = oc.Output
	}
	res.Results = results

	need := max(min(r.o.minSuccesses, len(workers)), 1)
	if len(results) < need {
		cause := errors.Join(errs...)
		if cause == nil {
			cause = errors.New("no workers configured")
		}
		err := fmt.Errorf("%d of %d workers succeeded, need %d: %w", len(results), len(workers), need, cause)
		span.RecordError(err)
		return res, attempt, r.fail(ctx, res, attempt, err)
	}
	return res, attempt, nil
}

// analyze runs the analysis fan-out and the quality gate on its result. A
// failed gate spends one retry and loops back to static analysis, or fails
// the workflow once the budget is gone.
func (r *run) analyze(ctx context.Context, input domain.Payload) (domain.Payload, Verdict, error) {
	res, attempt, err := r.collect(ctx, domain.PhaseAnalysis, r.o.analyzers, input)
	if err != nil {
		return nil, Verdict{}, err
	}

	verdict := r.o.gate.Check(res.Results, len(r.o.analyzers))
	if verdict.Pass {
		r.complete(ctx, res, attempt)
		return res.Results, verdict, nil
	}

	used := r.st.RetryCounts[domain.PhaseAnalysis]
	res.Errors = append(res.Errors, verdict.Reason)
	detail := map[string]any{"verdict": verdict, "retries": used, "max_retries": r.o.maxRetries}
	r.emit(ctx, Event{Type: domain.EventQualityGateFailed, Phase: domain.PhaseAnalysis, Attempt: attempt, Detail: detail})

	if used >= r.o.maxRetries {
		err := fmt.Errorf("analysis quality below threshold after %d retries: %s", used, verdict.Reason)
		return nil, verdict, r.fail(ctx, res, attempt, err)
	}

	res.FinishedAt = time.Now().UTC()
	r.st = r.st.Retry(res)
	metrics.IncPhaseRetry(domain.PhaseAnalysis)
	metrics.IncPhaseTransition(domain.PhaseAnalysis, domain.StatusRetry)
	metrics.ObservePhaseDuration(domain.PhaseAnalysis, res.FinishedAt.Sub(res.StartedAt))
	r.logger.Warn("quality gate failed, re-running executors", "attempt", attempt, "reason", verdict.Reason)
	return res.Results, verdict, nil
}

func (r *run) failure(ctx context.Context, err error) (domain.Report, State) {
	var perr *PhaseError
	phase := r.st.Phase
	if errors.As(err, &perr) {
		phase = perr.Phase
	}
	if r.st.Status != domain.StatusFailed {
		r.st = r.st.Fail(domain.WorkflowResult{Phase: phase, Errors: []string{err.Error()}}, err)
	}

	evType := domain.EventWorkflowFailed
	if r.st.Aborted {
		evType = domain.EventWorkflowAborted
	}
	r.logger.Error("workflow failed", "phase", phase, "error", err)
	r.emit(ctx, Event{Type: evType, Phase: phase, Detail: map[string]any{"error": err.Error()}})

	return domain.Report{
		Status:       domain.ReportFailed,
		WorkflowID:   r.st.WorkflowID,
		Error:        err.Error(),
		CurrentPhase: phase,
		RetryCounts:  maps.Clone(r.st.RetryCounts),
	}, r.st
}

// resultKey names a worker's output by the provider that served it, and by
// provider and worker when two workers share a provider.
func resultKey(results domain.Payload, oc distribution.Outcome) string {
	key, _ := oc.Output["provider"].(string)
	if key == "" {
		return oc.Worker
	}
	if _, taken := results[key]; taken {
		return key + "/" + oc.Worker
	}
	return key
}
