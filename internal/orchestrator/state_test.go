// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/domain"
)

func TestTransitionsDoNotMutateReceiver(t *testing.T) {
	s0 := NewState(uuid.New(), submission())
	s1 := s0.Enter(domain.PhasePlanning)
	s2 := s1.Complete(domain.WorkflowResult{Phase: domain.PhasePlanning})

	assert.Equal(t, domain.StatusPending, s0.Status)
	assert.Empty(t, s1.History)
	assert.Equal(t, domain.PhasePlanning, s1.Phase)
	assert.Equal(t, domain.PhaseStaticAnalysis, s2.Phase)
	assert.Len(t, s2.History, 1)

	s3 := s2.Retry(domain.WorkflowResult{Phase: domain.PhaseAnalysis})
	assert.Zero(t, s2.RetryCounts[domain.PhaseAnalysis])
	assert.Equal(t, 1, s3.RetryCounts[domain.PhaseAnalysis])
	assert.Equal(t, domain.PhaseStaticAnalysis, s3.Phase)
	assert.Equal(t, domain.StatusRetry, s3.Status)

	s4 := s3.Abort()
	assert.False(t, s3.Aborted)
	assert.True(t, s4.Aborted)
	assert.Equal(t, domain.StatusFailed, s4.Status)
}

func TestCompletingEveryPhase(t *testing.T) {
	s := NewState(uuid.New(), submission())
	for _, p := range domain.Phases[:len(domain.Phases)-1] {
		s = s.Enter(p).Complete(domain.WorkflowResult{Phase: p})
	}
	assert.Equal(t, domain.PhaseCompleted, s.Phase)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, 6, s.CompletedPhases())
	assert.Equal(t, 100, s.Progress())

	sum := s.Summary()
	assert.Equal(t, domain.Summary{TotalPhases: 6, CompletedPhases: 6, FinalStatus: domain.StatusCompleted}, sum)
}

func TestRecordCopiesState(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewState(uuid.New(), submission()).Enter(domain.PhasePlanning)

	rec := s.Record(created, nil)
	rec.RetryCounts[domain.PhaseAnalysis] = 9

	assert.Zero(t, s.RetryCounts[domain.PhaseAnalysis])
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, domain.StatusRunning, rec.Status)
	assert.Equal(t, domain.PhasePlanning, rec.Phase)
	assert.Nil(t, rec.Report)
}

func TestQualityGate(t *testing.T) {
	g := QualityGate{Threshold: DefaultQualityThreshold}
	full := domain.Payload{
		"claude_direct": domain.Payload{agent.KeyAnalysis: "risk is moderate"},
		"google_direct": map[string]any{agent.KeyAnalysis: "two findings chain"},
		"openai_direct": domain.Payload{agent.KeyAnalysis: "patch nginx"},
	}
	v := g.Check(full, 3)
	assert.True(t, v.Pass)
	assert.Equal(t, 3, v.Substantive)
	assert.InDelta(t, 1.0, v.Ratio, 1e-9)

	// One analyzer down still carries the phase.
	partial := domain.Payload{
		"claude_direct": domain.Payload{agent.KeyAnalysis: "risk is moderate"},
		"openai_direct": domain.Payload{agent.KeyAnalysis: "patch nginx"},
	}
	v = g.Check(partial, 3)
	assert.True(t, v.Pass, v.Reason)
	assert.Equal(t, 2, v.Substantive)

	single := domain.Payload{
		"openai_direct": domain.Payload{agent.KeyAnalysis: "patch nginx"},
	}
	v = g.Check(single, 3)
	assert.False(t, v.Pass)
	assert.NotEmpty(t, v.Reason)

	// A stricter gate still demands every analyzer.
	assert.False(t, QualityGate{Threshold: 0.7}.Check(partial, 3).Pass)

	blank := domain.Payload{"x": domain.Payload{agent.KeyAnalysis: "  \n"}}
	assert.False(t, QualityGate{Threshold: 0}.Check(blank, 1).Pass, "at least one analysis is required")

	assert.False(t, g.Check(domain.Payload{}, 0).Pass)
}

func TestQualityGateIsDeterministic(t *testing.T) {
	g := QualityGate{Threshold: 0.5, MinChars: 5}
	results := domain.Payload{
		"a": domain.Payload{agent.KeyAnalysis: "short"},
		"b": domain.Payload{agent.KeyAnalysis: "tiny"},
		"c": "not a payload",
	}
	first := g.Check(results, 3)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, g.Check(results, 3))
	}
	assert.Equal(t, 1, first.Substantive)
	assert.False(t, first.Pass)
}
