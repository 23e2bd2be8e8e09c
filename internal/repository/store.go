// SPDX-License-Identifier: Apache-2.0

// Package repository persists workflow records and their event log.
package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
)

// Store is implemented by the memory, sqlite and postgres backends.
type Store interface {
	// Save inserts or replaces a workflow record.
	Save(ctx context.Context, rec domain.WorkflowRecord) error
	Get(ctx context.Context, id uuid.UUID) (domain.WorkflowRecord, error)
	// List returns the most recently updated workflows first.
	List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error)
	// AppendEvent adds an event to a workflow's log and assigns its sequence
	// number.
	AppendEvent(ctx context.Context, workflowID uuid.UUID, eventType string, payload any) (domain.EventRecord, error)
	// ListEventsAfter returns events with seq greater than afterSeq in order.
	ListEventsAfter(ctx context.Context, workflowID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
	Close() error
}

const defaultListLimit = 50

func listLimit(n int) int {
	if n <= 0 || n > 500 {
		return defaultListLimit
	}
	return n
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
