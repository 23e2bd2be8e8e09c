// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/secflow/internal/queue"
)

// ErrNoResult marks a worker that did not answer before the phase deadline.
var ErrNoResult = errors.New("no result before phase deadline")

type QueueDispatcherDeps struct {
	Queue  queue.Queue
	Logger *slog.Logger
	// PollTimeout bounds each wait on the reply queue so cancellation is
	// noticed promptly.
	PollTimeout time.Duration
}

// QueueDispatcher publishes one task per worker onto that worker's input
// queue and collects results from a reply queue private to the attempt.
type QueueDispatcher struct {
	q        queue.Queue
	producer *queue.Producer
	logger   *slog.Logger
	poll     time.Duration
}

func NewQueueDispatcher(deps QueueDispatcherDeps) *QueueDispatcher {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	poll := deps.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &QueueDispatcher{
		q:        deps.Queue,
		producer: queue.NewProducer(deps.Queue),
		logger:   l,
		poll:     poll,
	}
}

// Dispatch returns once every worker answered or ctx is done. Workers that
// never answered get ErrNoResult.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) ([]Outcome, error) {
	replyTo := ReplyQueue(job.WorkflowID, job.Phase, job.Attempt)
	logger := d.logger.With("workflow_id", job.WorkflowID, "phase", job.Phase, "attempt", job.Attempt)

	// A detached context so the reply queue is removed even after cancellation.
	defer func() {
		dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.q.Drop(dropCtx, replyTo); err != nil {
			logger.Warn("drop reply queue failed", "reply_to", replyTo, "error", err)
		}
	}()

	index := make(map[string]int, len(job.Workers))
	outcomes := make([]Outcome, len(job.Workers))
	for i, name := range job.Workers {
		index[name] = i
		outcomes[i] = Outcome{Worker: name, Err: ErrNoResult}

		task := Task{
			WorkflowID: job.WorkflowID,
			Phase:      job.Phase,
			Attempt:    job.Attempt,
			Worker:     name,
			ReplyTo:    replyTo,
			Input:      job.Input,
		}
		if _, err := d.producer.Publish(ctx, InputQueue(job.Phase, name), MsgTask, task); err != nil {
			return nil, fmt.Errorf("publish task for %s: %w", name, err)
		}
	}
	logger.Info("tasks published", "workers", len(job.Workers), "reply_to", replyTo)

	pending := len(job.Workers)
	for pending > 0 {
		if ctx.Err() != nil {
			logger.Warn("phase deadline reached", "missing", pending)
			return outcomes, nil
		}

		del, err := d.q.Pop(ctx, replyTo, d.poll)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
				continue
			}
			return nil, fmt.Errorf("collect results: %w", err)
		}

		var res Result
		if err := json.Unmarshal(del.Payload, &res); err != nil || del.Type != MsgResult {
			logger.Warn("discarding reply", "message_id", del.ID, "type", del.Type, "error", err)
			_ = del.Ack(ctx)
			continue
		}

		i, ok := index[res.Worker]
		if !ok || !errors.Is(outcomes[i].Err, ErrNoResult) {
			// Unknown worker or a redelivered duplicate.
			_ = del.Ack(ctx)
			continue
		}

		outcomes[i].Err = nil
		outcomes[i].Output = res.Output
		if res.Error != "" {
			outcomes[i].Err = errors.New(res.Error)
		}
		pending--
		_ = del.Ack(ctx)
	}

	return outcomes, nil
}
