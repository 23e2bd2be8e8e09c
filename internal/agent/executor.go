// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
)

// Runner executes one package. *sandbox.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, pkg domain.ExecutionPackage) domain.ExecutionResult
}

// ExecutorAgent runs the planner's packages in the sandbox. It never calls a
// provider; its spec only names it and labels its results.
type ExecutorAgent struct {
	spec   domain.AgentSpec
	runner Runner
	logger *slog.Logger
}

func NewExecutor(spec domain.AgentSpec, runner Runner, logger *slog.Logger) *ExecutorAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutorAgent{
		spec:   spec,
		runner: runner,
		logger: logging.Component(logger, "executor").With("agent", spec.Name),
	}
}

func (e *ExecutorAgent) Name() string { return e.spec.Name }

func (e *ExecutorAgent) Spec() domain.AgentSpec { return e.spec }

// Process runs every package in order. Blocked, timed-out and failing units
// are results, not errors. It fails only when the input carries no packages,
// ctx ends, or the sandbox could run none of them.
func (e *ExecutorAgent) Process(ctx context.Context, input domain.Payload) (domain.Payload, error) {
	pkgs, err := Packages(input)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", e.spec.Name, err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("executor %s: %w", e.spec.Name, domain.ErrEmptyPackage)
	}

	results := make([]domain.ExecutionResult, 0, len(pkgs))
	executed := 0
	var units domain.UnitTally
	for _, pkg := range pkgs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("executor %s: %w", e.spec.Name, err)
		}
		res := e.runner.Run(ctx, pkg)
		res.ExecutorID = e.spec.Name
		if res.Status == domain.ExecCompleted {
			executed++
			units.Merge(res.Tally())
		}
		results = append(results, res)
	}

	e.logger.Info("packages executed",
		"total", len(pkgs),
		"executed", executed,
		"units_completed", units.Completed,
		"units_blocked", units.Blocked,
		"units_timeout", units.TimedOut,
		"units_failed", units.Failed,
	)

	if executed == 0 {
		return nil, fmt.Errorf("executor %s: none of %d packages could run: %s", e.spec.Name, len(pkgs), results[0].Error)
	}

	return domain.Payload{
		"agent":             e.spec.Name,
		"provider":          e.spec.PrimaryProvider,
		KeyResults:          results,
		KeyExecutedPackages: executed,
		KeyRejectedPackages: len(pkgs) - executed,
		KeyUnits:            units,
	}, nil
}
