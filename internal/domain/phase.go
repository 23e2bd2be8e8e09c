// SPDX-License-Identifier: Apache-2.0

package domain

type Phase string

const (
	PhasePlanning       Phase = "planning"
	PhaseStaticAnalysis Phase = "static_analysis"
	PhaseDynamicTesting Phase = "dynamic_testing"
	PhaseAnalysis       Phase = "analysis"
	PhaseDecision       Phase = "decision"
	PhaseCompleted      Phase = "completed"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhasePlanning,
	PhaseStaticAnalysis,
	PhaseDynamicTesting,
	PhaseAnalysis,
	PhaseDecision,
	PhaseCompleted,
}

// Index returns the position of p in pipeline order, or -1.
func (p Phase) Index() int {
	for i, candidate := range Phases {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p. PhaseCompleted is its own successor.
func (p Phase) Next() Phase {
	i := p.Index()
	if i < 0 || i >= len(Phases)-1 {
		return PhaseCompleted
	}
	return Phases[i+1]
}

func (p Phase) Valid() bool {
	return p.Index() >= 0
}

type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusRetry     WorkflowStatus = "retry"
)

func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
