// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/provider"
)

type WorkflowService interface {
	Submit(ctx context.Context, sub domain.Submission) (uuid.UUID, error)
	Status(ctx context.Context, id uuid.UUID) (domain.WorkflowRecord, error)
	List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Events(ctx context.Context, id uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
}

// QueueInspector reports queue depth for GET /queues.
type QueueInspector interface {
	Names(ctx context.Context) ([]string, error)
	Len(ctx context.Context, name string) (int, error)
}

type ProviderCatalog interface {
	Names() []string
	Roster() provider.Roster
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
