// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventWorkflowSubmitted = "WORKFLOW_SUBMITTED"
	EventPhaseStarted      = "PHASE_STARTED"
	EventPhaseCompleted    = "PHASE_COMPLETED"
	EventPhaseFailed       = "PHASE_FAILED"
	EventQualityGateFailed = "QUALITY_GATE_FAILED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowAborted   = "WORKFLOW_ABORTED"
)

type EventRecord struct {
	ID         uuid.UUID       `json:"id"`
	Seq        int64           `json:"seq"`
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
