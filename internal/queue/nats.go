// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/metrics"
)

const (
	backendNATS       = "nats"
	DefaultStreamName = "SECFLOW_QUEUES"
	defaultSubject    = "secflow.queue"
)

type NATSDeps struct {
	Conn       *nats.Conn
	Logger     *slog.Logger
	Stream     string
	Subject    string
	Visibility time.Duration
}

// NATS maps each queue name to a subject of one work-queue stream and one
// durable pull consumer, so every message goes to exactly one subscriber.
type NATS struct {
	js         nats.JetStreamContext
	stream     string
	subject    string
	visibility time.Duration
	logger     *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATS(deps NATSDeps) (*NATS, error) {
	if deps.Conn == nil {
		return nil, errors.New("nats queue: connection is required")
	}
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	stream := deps.Stream
	if stream == "" {
		stream = DefaultStreamName
	}
	subject := deps.Subject
	if subject == "" {
		subject = defaultSubject
	}
	vis := deps.Visibility
	if vis <= 0 {
		vis = DefaultVisibility
	}

	js, err := deps.Conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	q := &NATS{
		js:         js,
		stream:     stream,
		subject:    subject,
		visibility: vis,
		logger:     logging.Component(l, "queue"),
		subs:       make(map[string]*nats.Subscription),
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *NATS) ensureStream() error {
	_, err := q.js.StreamInfo(q.stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", q.stream, err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      q.stream,
		Subjects:  []string{q.subject + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", q.stream, err)
	}
	q.logger.Info("created queue stream", "stream", q.stream, "subjects", q.subject+".>")
	return nil
}

func (q *NATS) subjectFor(name string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return q.subject + "." + r.Replace(name)
}

func durableFor(name string) string {
	var b strings.Builder
	b.WriteString("q_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (q *NATS) subscription(name string) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub, ok := q.subs[name]; ok {
		return sub, nil
	}
	sub, err := q.js.PullSubscribe(q.subjectFor(name), durableFor(name),
		nats.BindStream(q.stream),
		nats.AckExplicit(),
		nats.AckWait(q.visibility),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	q.subs[name] = sub
	return sub, nil
}

func (q *NATS) Push(ctx context.Context, name string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(q.subjectFor(name), data, nats.Context(ctx), nats.MsgId(msg.ID.String())); err != nil {
		q.logger.Error("queue push failed", "queue", name, "message_id", msg.ID, "error", err)
		return err
	}
	metrics.IncQueueOp(backendNATS, "push")
	return nil
}

func (q *NATS) Pop(ctx context.Context, name string, timeout time.Duration) (Delivery, error) {
	sub, err := q.subscription(name)
	if err != nil {
		return Delivery{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, err
	}
	if len(msgs) == 0 {
		return Delivery{}, ErrEmpty
	}

	raw := msgs[0]
	var msg Message
	if err := json.Unmarshal(raw.Data, &msg); err != nil {
		// a body that never decodes would be redelivered forever
		_ = raw.Term()
		return Delivery{}, fmt.Errorf("decode message on %s: %w", name, err)
	}

	metrics.IncQueueOp(backendNATS, "pop")
	return Delivery{
		Message: msg,
		ack: func(context.Context) error {
			if err := raw.AckSync(); err != nil {
				return err
			}
			metrics.IncQueueOp(backendNATS, "ack")
			return nil
		},
	}, nil
}

func (q *NATS) Len(_ context.Context, name string) (int, error) {
	sub, err := q.subscription(name)
	if err != nil {
		return 0, err
	}
	info, err := sub.ConsumerInfo()
	if err != nil {
		return 0, err
	}
	return int(info.NumPending), nil
}

// Names lists queues with a consumer on the stream.
func (q *NATS) Names(ctx context.Context) ([]string, error) {
	out := make([]string, 0, 8)
	for info := range q.js.ConsumersInfo(q.stream, nats.Context(ctx)) {
		subj := info.Config.FilterSubject
		out = append(out, strings.TrimPrefix(subj, q.subject+"."))
	}
	return out, nil
}

func (q *NATS) Drop(_ context.Context, name string) error {
	q.mu.Lock()
	sub, ok := q.subs[name]
	delete(q.subs, name)
	q.mu.Unlock()

	if ok {
		_ = sub.Unsubscribe()
	}
	if err := q.js.DeleteConsumer(q.stream, durableFor(name)); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return err
	}
	return q.js.PurgeStream(q.stream, &nats.StreamPurgeRequest{Subject: q.subjectFor(name)})
}

// Close drains local subscriptions. The connection belongs to the caller.
func (q *NATS) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for name, sub := range q.subs {
		_ = sub.Unsubscribe()
		delete(q.subs, name)
	}
	return nil
}
