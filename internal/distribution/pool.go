// SPDX-License-Identifier: Apache-2.0

package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/metrics"
	"github.com/adiadia/secflow/internal/queue"
)

type PoolDeps struct {
	Queue      queue.Queue
	Phase      domain.Phase
	Processor  agent.Processor
	Logger     *slog.Logger
	Workers    int
	PopTimeout time.Duration
	// ErrorBackoff is the pause after a queue error before polling again.
	ErrorBackoff time.Duration
}

// Pool consumes one worker's input queue with a fixed number of goroutines
// and publishes every result to the queue named by the task.
type Pool struct {
	q          queue.Queue
	producer   *queue.Producer
	phase      domain.Phase
	input      string
	proc       agent.Processor
	logger     *slog.Logger
	workers    int
	popTimeout time.Duration
	backoff    time.Duration
}

func NewPool(deps PoolDeps) *Pool {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	workers := deps.Workers
	if workers <= 0 {
		workers = 1
	}

	pop := deps.PopTimeout
	if pop <= 0 {
		pop = 10 * time.Second
	}

	backoff := deps.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	input := InputQueue(deps.Phase, deps.Processor.Name())
	return &Pool{
		q:          deps.Queue,
		producer:   queue.NewProducer(deps.Queue),
		phase:      deps.Phase,
		input:      input,
		proc:       deps.Processor,
		logger:     l.With("queue", input),
		workers:    workers,
		popTimeout: pop,
		backoff:    backoff,
	}
}

// Input returns the queue the pool consumes.
func (p *Pool) Input() string { return p.input }

// Run blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
					if errors.Is(err, domain.ErrQueueClosed) {
						return err
					}
					sleep(ctx, p.backoff)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// ProcessOnce handles at most one message. A nil error with nothing done
// means the pop timed out.
func (p *Pool) ProcessOnce(ctx context.Context) error {
	started := time.Now()
	d, err := p.q.Pop(ctx, p.input, p.popTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
			return nil
		}
		p.logger.Error("pop failed", "error", err)
		return err
	}
	metrics.ObserveWorkerPopLatency(time.Since(started))

	if ctx.Err() != nil {
		// Left unacknowledged so another consumer picks it up.
		return nil
	}

	var task Task
	if d.Type != MsgTask {
		err = fmt.Errorf("unexpected message type %q", d.Type)
	} else if err = json.Unmarshal(d.Payload, &task); err == nil && task.ReplyTo == p.input {
		err = domain.ErrSelfLoop
	}
	if err != nil {
		p.logger.Error("discarding message", "message_id", d.ID, "error", err)
		return d.Ack(ctx)
	}

	logger := p.logger.With("workflow_id", task.WorkflowID, "attempt", task.Attempt)
	if p.replyGone(ctx, task.ReplyTo) {
		logger.Info("skipping stale task", "message_id", d.ID, "reply_to", task.ReplyTo)
		return d.Ack(ctx)
	}
	logger.Info("task claimed", "message_id", d.ID)

	res := Result{
		WorkflowID: task.WorkflowID,
		Phase:      task.Phase,
		Attempt:    task.Attempt,
		Worker:     p.proc.Name(),
	}
	out, procErr := p.proc.Process(ctx, task.Input)
	if procErr != nil {
		logger.Error("task failed", "error", procErr)
		res.Error = procErr.Error()
	} else {
		res.Output = out
	}

	if _, err := p.producer.Publish(ctx, task.ReplyTo, MsgResult, res); err != nil {
		if !errors.Is(err, queue.ErrDropped) {
			logger.Error("publish result failed", "reply_to", task.ReplyTo, "error", err)
			return err
		}
		logger.Warn("result arrived after phase deadline, discarded", "reply_to", task.ReplyTo)
	}

	if err := d.Ack(ctx); err != nil {
		logger.Error("ack failed", "message_id", d.ID, "error", err)
		return err
	}

	logger.Info("task completed", "failed", procErr != nil)
	return nil
}

// replyGone reports whether the dispatcher already gave up on the attempt.
func (p *Pool) replyGone(ctx context.Context, replyTo string) bool {
	ts, ok := p.q.(queue.Tombstoner)
	if !ok {
		return false
	}
	gone, err := ts.Dropped(ctx, replyTo)
	if err != nil {
		p.logger.Warn("reply queue check failed", "reply_to", replyTo, "error", err)
		return false
	}
	return gone
}

// RunPools runs every pool until ctx is canceled or one of them stops with
// an error.
func RunPools(ctx context.Context, pools ...*Pool) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pools {
		g.Go(func() error { return p.Run(ctx) })
	}
	return g.Wait()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
