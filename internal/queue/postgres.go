// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/metrics"
	pgpersist "github.com/adiadia/secflow/internal/persistence/postgres"
	"github.com/adiadia/secflow/migrations"
)

const (
	backendPostgres     = "postgres"
	defaultPollInterval = 500 * time.Millisecond
)

type PostgresDeps struct {
	Pool         *pgxpool.Pool
	Logger       *slog.Logger
	Visibility   time.Duration
	PollInterval time.Duration
}

// Postgres stores messages in queue_messages and claims them with
// FOR UPDATE SKIP LOCKED so concurrent consumers never receive the same row.
type Postgres struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	visibility time.Duration
	poll       time.Duration
}

// PostgresSchema is what Postgres needs migrated. Pop scans
// queue_messages_claim_idx on (queue, visible_at, seq).
func PostgresSchema() pgpersist.Schema {
	return pgpersist.Schema{
		Owner:  migrations.Queue,
		Tables: []string{"queue_messages"},
		Columns: []pgpersist.Column{
			{Table: "queue_messages", Name: "visible_at"},
			{Table: "queue_messages", Name: "deliveries"},
			{Table: "queue_messages", Name: "ts"},
		},
		Indexes: []string{"queue_messages_claim_idx"},
	}
}

func NewPostgres(deps PostgresDeps) *Postgres {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	vis := deps.Visibility
	if vis <= 0 {
		vis = DefaultVisibility
	}
	poll := deps.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Postgres{
		pool:       deps.Pool,
		logger:     logging.Component(l, "queue"),
		visibility: vis,
		poll:       poll,
	}
}

func (p *Postgres) Push(ctx context.Context, name string, msg Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queue_messages (id, queue, type, payload, ts)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`,
		msg.ID,
		name,
		msg.Type,
		[]byte(msg.Payload),
		msg.Timestamp,
	)
	if err != nil {
		p.logger.Error("queue push failed", "queue", name, "message_id", msg.ID, "error", err)
		return err
	}
	metrics.IncQueueOp(backendPostgres, "push")
	return nil
}

func (p *Postgres) Pop(ctx context.Context, name string, timeout time.Duration) (Delivery, error) {
	deadline := time.Now().Add(timeout)

	for {
		msg, err := p.claim(ctx, name)
		if err == nil {
			metrics.IncQueueOp(backendPostgres, "pop")
			return Delivery{Message: msg, ack: p.acker(msg.ID)}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			p.logger.Error("queue claim failed", "queue", name, "error", err)
			return Delivery{}, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return Delivery{}, ErrEmpty
		}
		if wait > p.poll {
			wait = p.poll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// claim hides the oldest visible message for the visibility timeout. Rows
// whose visibility lapsed without an ack are claimable again.
func (p *Postgres) claim(ctx context.Context, name string) (Message, error) {
	var (
		msg     Message
		payload []byte
	)
	err := p.pool.QueryRow(ctx, `
		UPDATE queue_messages
		SET visible_at = NOW() + ($2 * INTERVAL '1 millisecond'),
		    deliveries = deliveries + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = $1 AND visible_at <= NOW()
			ORDER BY seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, type, payload, ts
	`,
		name,
		p.visibility.Milliseconds(),
	).Scan(&msg.ID, &msg.Type, &payload, &msg.Timestamp)
	if err != nil {
		return Message{}, err
	}
	msg.Payload = payload
	return msg, nil
}

func (p *Postgres) acker(id uuid.UUID) func(context.Context) error {
	return func(ctx context.Context) error {
		if _, err := p.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id=$1`, id); err != nil {
			p.logger.Error("queue ack failed", "message_id", id, "error", err)
			return err
		}
		metrics.IncQueueOp(backendPostgres, "ack")
		return nil
	}
}

func (p *Postgres) Len(ctx context.Context, name string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_messages
		WHERE queue = $1 AND visible_at <= NOW()
	`, name).Scan(&n)
	return n, err
}

// Names lists queues holding at least one message.
func (p *Postgres) Names(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT queue FROM queue_messages ORDER BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *Postgres) Drop(ctx context.Context, name string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM queue_messages WHERE queue = $1`, name)
	return err
}

// Close is a no-op; the pool belongs to the caller.
func (p *Postgres) Close() error {
	return nil
}
