// SPDX-License-Identifier: Apache-2.0

// Package queue provides named work queues with at-least-once delivery. A
// popped message is hidden from other consumers until it is acknowledged or
// its visibility timeout passes, after which it is delivered again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEmpty is returned by Pop when no message arrived before the timeout.
var ErrEmpty = errors.New("queue: no message before timeout")

// ErrDropped is returned by Push onto a queue that Drop already removed.
var ErrDropped = errors.New("queue: dropped")

const DefaultVisibility = 15 * time.Minute

// Message is the wire envelope. Timestamp is unix nanoseconds and strictly
// increasing per producer.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Delivery is a popped message owned by one consumer.
type Delivery struct {
	Message
	ack func(ctx context.Context) error
}

// Ack removes the message for good. Unacknowledged messages are redelivered.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

type Queue interface {
	Push(ctx context.Context, name string, msg Message) error
	// Pop blocks up to timeout and returns ErrEmpty when nothing arrived.
	Pop(ctx context.Context, name string, timeout time.Duration) (Delivery, error)
	// Len reports messages waiting for delivery.
	Len(ctx context.Context, name string) (int, error)
	// Drop deletes a queue and everything in it.
	Drop(ctx context.Context, name string) error
	Close() error
}

// Tombstoner is implemented by backends that remember dropped queues.
type Tombstoner interface {
	Dropped(ctx context.Context, name string) (bool, error)
}

// Lister is implemented by backends that can enumerate their queues.
type Lister interface {
	Names(ctx context.Context) ([]string, error)
}

// Producer stamps and publishes messages.
type Producer struct {
	q   Queue
	now func() time.Time

	mu   sync.Mutex
	last int64
}

func NewProducer(q Queue) *Producer {
	return &Producer{q: q, now: time.Now}
}

// Publish wraps payload in an envelope and pushes it onto the named queue.
func (p *Producer) Publish(ctx context.Context, name, msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}

	msg := Message{
		ID:        uuid.New(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: p.stamp(),
	}
	if err := p.q.Push(ctx, name, msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (p *Producer) stamp() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.now().UnixNano()
	if ts <= p.last {
		ts = p.last + 1
	}
	p.last = ts
	return ts
}
