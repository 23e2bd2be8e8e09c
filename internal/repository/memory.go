// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
)

// Memory keeps records in process. Values are deep-copied through JSON on
// the way in and out so callers never share maps with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
	updated map[uuid.UUID]time.Time
	events  map[uuid.UUID][]domain.EventRecord
	seq     int64
}

func NewMemory() *Memory {
	return &Memory{
		records: map[uuid.UUID][]byte{},
		updated: map[uuid.UUID]time.Time{},
		events:  map[uuid.UUID][]domain.EventRecord{},
	}
}

func (m *Memory) Save(_ context.Context, rec domain.WorkflowRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = raw
	m.updated[rec.ID] = rec.UpdatedAt
	return nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (domain.WorkflowRecord, error) {
	m.mu.RLock()
	raw, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return domain.WorkflowRecord{}, domain.ErrWorkflowNotFound
	}

	var rec domain.WorkflowRecord
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

func (m *Memory) List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	updated := make(map[uuid.UUID]time.Time, len(ids))
	for _, id := range ids {
		updated[id] = m.updated[id]
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return updated[ids[i]].After(updated[ids[j]])
	})
	if n := listLimit(limit); len(ids) > n {
		ids = ids[:n]
	}

	out := make([]domain.WorkflowRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, workflowID uuid.UUID, eventType string, payload any) (domain.EventRecord, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.EventRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[workflowID]; !ok {
		return domain.EventRecord{}, domain.ErrWorkflowNotFound
	}

	m.seq++
	ev := domain.EventRecord{
		ID:         uuid.New(),
		Seq:        m.seq,
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}
	m.events[workflowID] = append(m.events[workflowID], ev)
	return ev, nil
}

func (m *Memory) ListEventsAfter(_ context.Context, workflowID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.EventRecord, 0, 8)
	for _, ev := range m.events[workflowID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
