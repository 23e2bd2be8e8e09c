// SPDX-License-Identifier: Apache-2.0

// Package distribution moves a phase's work onto the queues consumed by the
// next phase's worker pools and collects what comes back.
package distribution

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
)

const (
	MsgTask   = "task"
	MsgResult = "result"
)

// Task is the payload of a MsgTask message.
type Task struct {
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Phase      domain.Phase   `json:"phase"`
	Attempt    int            `json:"attempt"`
	Worker     string         `json:"worker"`
	ReplyTo    string         `json:"reply_to"`
	Input      domain.Payload `json:"input"`
}

// Result is the payload of a MsgResult message.
type Result struct {
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Phase      domain.Phase   `json:"phase"`
	Attempt    int            `json:"attempt"`
	Worker     string         `json:"worker"`
	Output     domain.Payload `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Job is one fan-out: the same input sent to every named worker.
type Job struct {
	WorkflowID uuid.UUID
	Phase      domain.Phase
	Attempt    int
	Workers    []string
	Input      domain.Payload
}

// Outcome is one worker's answer. Err is set when the worker failed or never
// answered.
type Outcome struct {
	Worker string
	Output domain.Payload
	Err    error
}

// Dispatcher fans a job out and returns one outcome per worker, in the order
// of job.Workers. The error is reserved for infrastructure failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) ([]Outcome, error)
}

// InputQueue names the queue a worker's pool consumes.
func InputQueue(phase domain.Phase, worker string) string {
	return fmt.Sprintf("%s_queue:%s", phase, worker)
}

// ReplyQueue names the queue results of one phase attempt are published to.
func ReplyQueue(workflowID uuid.UUID, phase domain.Phase, attempt int) string {
	return fmt.Sprintf("%s_results:%s:%d", phase, workflowID, attempt)
}

// Succeeded counts outcomes without an error.
func Succeeded(outcomes []Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}
