// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/metrics"
)

const backendMemory = "memory"

// tombstoneTTL is the shortest time a dropped name keeps refusing pushes.
const tombstoneTTL = time.Hour

// Memory is an in-process queue for single-node deployments and tests.
type Memory struct {
	visibility time.Duration
	now        func() time.Time

	mu      sync.Mutex
	queues  map[string]*memQueue
	dropped map[string]time.Time
	closed  bool
	done   chan struct{}
}

type memQueue struct {
	ready    []Message
	inflight map[uuid.UUID]inflightMsg
	signal   chan struct{}
}

type inflightMsg struct {
	msg   Message
	until time.Time
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Memory{
		visibility: visibility,
		now:        time.Now,
		queues:     make(map[string]*memQueue),
		dropped:    make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			inflight: make(map[uuid.UUID]inflightMsg),
			signal:   make(chan struct{}),
		}
		m.queues[name] = q
	}
	return q
}

func (q *memQueue) wake() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// requeueExpired moves timed-out deliveries back to the head of the queue
// and returns the earliest remaining expiry.
func (q *memQueue) requeueExpired(now time.Time) time.Time {
	var expired []Message
	var next time.Time
	for id, f := range q.inflight {
		if !now.Before(f.until) {
			expired = append(expired, f.msg)
			delete(q.inflight, id)
			continue
		}
		if next.IsZero() || f.until.Before(next) {
			next = f.until
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i].Timestamp < expired[j].Timestamp })
		q.ready = append(expired, q.ready...)
	}
	return next
}

func (m *Memory) Push(_ context.Context, name string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrQueueClosed
	}
	if _, gone := m.dropped[name]; gone {
		metrics.IncQueueOp(backendMemory, "push_dropped")
		return ErrDropped
	}
	q := m.queue(name)
	q.ready = append(q.ready, msg)
	q.wake()
	metrics.IncQueueOp(backendMemory, "push")
	return nil
}

func (m *Memory) Pop(ctx context.Context, name string, timeout time.Duration) (Delivery, error) {
	deadline := m.now().Add(timeout)

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Delivery{}, domain.ErrQueueClosed
		}

		now := m.now()
		q := m.queue(name)
		nextExpiry := q.requeueExpired(now)

		if len(q.ready) > 0 {
			msg := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[msg.ID] = inflightMsg{msg: msg, until: now.Add(m.visibility)}
			m.mu.Unlock()

			metrics.IncQueueOp(backendMemory, "pop")
			return Delivery{Message: msg, ack: m.acker(name, msg.ID)}, nil
		}
		signal := q.signal
		m.mu.Unlock()

		wait := deadline.Sub(now)
		if wait <= 0 {
			return Delivery{}, ErrEmpty
		}
		if !nextExpiry.IsZero() && nextExpiry.Sub(now) < wait {
			wait = nextExpiry.Sub(now)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-m.done:
			timer.Stop()
			return Delivery{}, domain.ErrQueueClosed
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) acker(name string, id uuid.UUID) func(context.Context) error {
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if q, ok := m.queues[name]; ok {
			delete(q.inflight, id)
		}
		metrics.IncQueueOp(backendMemory, "ack")
		return nil
	}
}

func (m *Memory) Len(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return 0, nil
	}
	q.requeueExpired(m.now())
	return len(q.ready), nil
}

// Names returns every queue that has been used, in lexical order.
func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.queues))
	for name := range m.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Drop deletes the queue and refuses later pushes to the same name for at
// least tombstoneTTL.
func (m *Memory) Drop(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		q.wake()
		delete(m.queues, name)
	}

	now := m.now()
	retain := max(m.visibility, tombstoneTTL)
	for n, at := range m.dropped {
		if now.Sub(at) >= retain {
			delete(m.dropped, n)
		}
	}
	m.dropped[name] = now
	return nil
}

func (m *Memory) Dropped(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, gone := m.dropped[name]
	return gone, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
