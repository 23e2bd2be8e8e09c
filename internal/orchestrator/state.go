// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
)

// State is one workflow's position in the pipeline. It is a value: every
// transition returns a new State and leaves the receiver untouched.
type State struct {
	WorkflowID  uuid.UUID
	Submission  domain.Submission
	Phase       domain.Phase
	Status      domain.WorkflowStatus
	RetryCounts map[domain.Phase]int
	History     []domain.WorkflowResult
	Err         string
	Aborted     bool
}

func NewState(id uuid.UUID, sub domain.Submission) State {
	counts := make(map[domain.Phase]int, len(domain.Phases))
	for _, p := range domain.Phases {
		counts[p] = 0
	}
	return State{
		WorkflowID:  id,
		Submission:  sub,
		Phase:       domain.PhasePlanning,
		Status:      domain.StatusPending,
		RetryCounts: counts,
	}
}

func (s State) clone() State {
	s.RetryCounts = maps.Clone(s.RetryCounts)
	s.History = slices.Clone(s.History)
	return s
}

// Enter moves to phase and marks the workflow running.
func (s State) Enter(phase domain.Phase) State {
	n := s.clone()
	n.Phase = phase
	n.Status = domain.StatusRunning
	return n
}

// Complete records a successful phase result and advances the phase pointer.
func (s State) Complete(res domain.WorkflowResult) State {
	n := s.clone()
	res.Status = domain.StatusCompleted
	n.History = append(n.History, res)
	n.Phase = res.Phase.Next()
	if n.Phase == domain.PhaseCompleted {
		n.Status = domain.StatusCompleted
	} else {
		n.Status = domain.StatusRunning
	}
	return n
}

// Fail records a failed phase result. The workflow stays on that phase.
func (s State) Fail(res domain.WorkflowResult, err error) State {
	n := s.clone()
	res.Status = domain.StatusFailed
	n.History = append(n.History, res)
	n.Phase = res.Phase
	n.Status = domain.StatusFailed
	if err != nil {
		n.Err = err.Error()
	}
	return n
}

// Retry records an analysis result that did not pass the quality gate,
// spends one unit of the analysis retry budget and loops back to static
// analysis.
func (s State) Retry(res domain.WorkflowResult) State {
	n := s.clone()
	res.Status = domain.StatusRetry
	n.History = append(n.History, res)
	n.RetryCounts[res.Phase]++
	n.Phase = domain.PhaseStaticAnalysis
	n.Status = domain.StatusRetry
	return n
}

// Abort stops the workflow where it is.
func (s State) Abort() State {
	n := s.clone()
	n.Status = domain.StatusFailed
	n.Aborted = true
	n.Err = "workflow aborted"
	return n
}

// Latest returns the results of the most recent execution of phase.
func (s State) Latest(phase domain.Phase) (domain.WorkflowResult, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Phase == phase {
			return s.History[i], true
		}
	}
	return domain.WorkflowResult{}, false
}

// CompletedPhases counts distinct phases with a completed result, plus the
// terminal phase once it is reached.
func (s State) CompletedPhases() int {
	seen := map[domain.Phase]bool{}
	for _, h := range s.History {
		if h.Status == domain.StatusCompleted {
			seen[h.Phase] = true
		}
	}
	n := len(seen)
	if s.Phase == domain.PhaseCompleted && s.Status == domain.StatusCompleted {
		n++
	}
	return n
}

// Progress is the share of pipeline phases completed, 0 to 100.
func (s State) Progress() int {
	return s.CompletedPhases() * 100 / len(domain.Phases)
}

func (s State) TotalRetries() int {
	total := 0
	for _, n := range s.RetryCounts {
		total += n
	}
	return total
}

func (s State) Summary() domain.Summary {
	return domain.Summary{
		TotalPhases:     len(domain.Phases),
		CompletedPhases: s.CompletedPhases(),
		TotalRetries:    s.TotalRetries(),
		FinalStatus:     s.Status,
	}
}

// Record converts the state for storage. createdAt is kept from the first
// save.
func (s State) Record(createdAt time.Time, report *domain.Report) domain.WorkflowRecord {
	return domain.WorkflowRecord{
		ID:          s.WorkflowID,
		Submission:  s.Submission,
		Phase:       s.Phase,
		Status:      s.Status,
		Progress:    s.Progress(),
		RetryCounts: maps.Clone(s.RetryCounts),
		History:     slices.Clone(s.History),
		Report:      report,
		Error:       s.Err,
		Aborted:     s.Aborted,
		CreatedAt:   createdAt,
		UpdatedAt:   time.Now().UTC(),
	}
}
