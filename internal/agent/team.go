// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"log/slog"

	"github.com/adiadia/secflow/internal/provider"
	"github.com/adiadia/secflow/internal/reasoning"
)

// Team is the set of processors a workflow runs, one group per phase.
type Team struct {
	Planner   Processor
	Static    []Processor
	Dynamic   []Processor
	Analyzers []Processor
	Decision  Processor
}

// NewTeam builds the processors for a roster.
func NewTeam(roster provider.Roster, client reasoning.Completer, runner Runner, logger *slog.Logger) Team {
	t := Team{
		Planner:  New(roster.Planner, client, PlanTask{}, logger),
		Decision: New(roster.Decision, client, DecisionTask{}, logger),
	}
	for _, spec := range roster.Static {
		t.Static = append(t.Static, NewExecutor(spec, runner, logger))
	}
	for _, spec := range roster.Dynamic {
		t.Dynamic = append(t.Dynamic, NewExecutor(spec, runner, logger))
	}
	for _, spec := range roster.Analyzers {
		t.Analyzers = append(t.Analyzers, New(spec, client, AnalysisTask{}, logger))
	}
	return t
}
