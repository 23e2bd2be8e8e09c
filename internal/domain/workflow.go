// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payload is an opaque, JSON-serializable mapping passed between phases.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string stored under key, or "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Submission is the caller's request to test a target.
type Submission struct {
	TargetInfo map[string]any `json:"target_info"`
	TestScope  []string       `json:"test_scope"`
}

func (s Submission) TargetURL() string {
	v, _ := s.TargetInfo["target_url"].(string)
	return v
}

// WorkflowResult records one execution of one phase. It is never mutated after
// creation.
type WorkflowResult struct {
	Phase      Phase          `json:"phase"`
	Status     WorkflowStatus `json:"status"`
	Results    Payload        `json:"results"`
	Errors     []string       `json:"errors"`
	RetryCount int            `json:"retry_count"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

type Summary struct {
	TotalPhases     int            `json:"total_phases"`
	CompletedPhases int            `json:"completed_phases"`
	TotalRetries    int            `json:"total_retries"`
	FinalStatus     WorkflowStatus `json:"final_status"`
}

// Report is the structured outcome returned to callers. Status is one of
// "success" or "failed".
type Report struct {
	Status       string        `json:"status"`
	WorkflowID   uuid.UUID     `json:"workflow_id"`
	FinalResult  Payload       `json:"final_result,omitempty"`
	Summary      *Summary      `json:"summary,omitempty"`
	Error        string        `json:"error,omitempty"`
	CurrentPhase Phase         `json:"current_phase,omitempty"`
	RetryCounts  map[Phase]int `json:"retry_counts,omitempty"`
}

const (
	ReportSuccess = "success"
	ReportFailed  = "failed"
	ReportError   = "error"
)

// WorkflowRecord is the persisted view of a workflow used by status queries.
type WorkflowRecord struct {
	ID          uuid.UUID        `json:"id"`
	Submission  Submission       `json:"submission"`
	Phase       Phase            `json:"phase"`
	Status      WorkflowStatus   `json:"status"`
	Progress    int              `json:"progress"`
	RetryCounts map[Phase]int    `json:"retry_counts"`
	History     []WorkflowResult `json:"history,omitempty"`
	Report      *Report          `json:"report,omitempty"`
	Error       string           `json:"error,omitempty"`
	Aborted     bool             `json:"aborted,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// PartialResults returns the latest result of every phase executed so far.
func (r WorkflowRecord) PartialResults() map[Phase]Payload {
	out := make(map[Phase]Payload, len(r.History))
	for _, h := range r.History {
		if h.Results != nil {
			out[h.Phase] = h.Results
		}
	}
	return out
}
