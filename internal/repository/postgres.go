// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/secflow/internal/domain"
	pgpersist "github.com/adiadia/secflow/internal/persistence/postgres"
	"github.com/adiadia/secflow/migrations"
)

// PostgresSchema is what Postgres needs migrated. Event replay reads
// workflow_events_workflow_idx in seq order.
func PostgresSchema() pgpersist.Schema {
	return pgpersist.Schema{
		Owner:  migrations.Store,
		Tables: []string{"workflows", "workflow_events"},
		Columns: []pgpersist.Column{
			{Table: "workflows", Name: "retry_counts"},
			{Table: "workflows", Name: "aborted"},
			{Table: "workflow_events", Name: "seq"},
		},
		Indexes: []string{"workflows_status_idx", "workflow_events_workflow_idx"},
	}
}

// Postgres stores workflows in the tables PostgresSchema describes.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{
		pool:   pool,
		logger: logger,
	}
}

// Close is a no-op; the pool belongs to the caller.
func (r *Postgres) Close() error { return nil }

func (r *Postgres) Save(ctx context.Context, rec domain.WorkflowRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, submission, phase, status, progress, retry_counts, history,
			report, error, aborted, created_at, updated_at
		) VALUES ($1, $2::jsonb, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			phase=EXCLUDED.phase,
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			retry_counts=EXCLUDED.retry_counts,
			history=EXCLUDED.history,
			report=EXCLUDED.report,
			error=EXCLUDED.error,
			aborted=EXCLUDED.aborted,
			updated_at=EXCLUDED.updated_at
	`,
		rec.ID,
		cols.submission,
		rec.Phase,
		rec.Status,
		rec.Progress,
		cols.retryCounts,
		cols.history,
		cols.report,
		rec.Error,
		rec.Aborted,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("save workflow failed", "workflow_id", rec.ID, "error", err)
		return err
	}
	return nil
}

const pgSelectWorkflow = `
	SELECT id, submission, phase, status, progress, retry_counts, history,
	       report, error, aborted, created_at, updated_at
	FROM workflows`

func (r *Postgres) Get(ctx context.Context, id uuid.UUID) (domain.WorkflowRecord, error) {
	rec, err := scanPgWorkflow(r.pool.QueryRow(ctx, pgSelectWorkflow+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkflowRecord{}, domain.ErrWorkflowNotFound
	}
	if err != nil {
		r.logger.Error("get workflow failed", "workflow_id", id, "error", err)
		return domain.WorkflowRecord{}, err
	}
	return rec, nil
}

func (r *Postgres) List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	rows, err := r.pool.Query(ctx, pgSelectWorkflow+` ORDER BY updated_at DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		r.logger.Error("list workflows query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.WorkflowRecord, 0, 8)
	for rows.Next() {
		rec, err := scanPgWorkflow(rows)
		if err != nil {
			r.logger.Error("scan workflow row failed", "error", err)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("workflow rows iteration failed", "error", err)
		return nil, err
	}
	return out, nil
}

func (r *Postgres) AppendEvent(ctx context.Context, workflowID uuid.UUID, eventType string, payload any) (domain.EventRecord, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.EventRecord{}, err
	}

	ev := domain.EventRecord{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    raw,
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO workflow_events (id, workflow_id, type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING seq, created_at
	`,
		ev.ID,
		workflowID,
		eventType,
		raw,
	).Scan(&ev.Seq, &ev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.EventRecord{}, domain.ErrWorkflowNotFound
		}
		r.logger.Error("append event failed",
			"workflow_id", workflowID,
			"event", eventType,
			"error", err,
		)
		return domain.EventRecord{}, err
	}
	return ev, nil
}

func (r *Postgres) ListEventsAfter(ctx context.Context, workflowID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, workflow_id, type, payload, created_at
		FROM workflow_events
		WHERE workflow_id=$1
		  AND seq > $2
		ORDER BY seq ASC
	`,
		workflowID,
		afterSeq,
	)
	if err != nil {
		r.logger.Error("list events query failed", "workflow_id", workflowID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var ev domain.EventRecord
		if err := rows.Scan(
			&ev.ID,
			&ev.Seq,
			&ev.WorkflowID,
			&ev.Type,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			r.logger.Error("scan event row failed", "workflow_id", workflowID, "error", err)
			return nil, err
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed", "workflow_id", workflowID, "error", err)
		return nil, err
	}

	return out, nil
}

func scanPgWorkflow(row pgx.Row) (domain.WorkflowRecord, error) {
	var (
		rec     domain.WorkflowRecord
		phase   string
		status  string
		cols    recordColumns
		created time.Time
		updated time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&cols.submission,
		&phase,
		&status,
		&rec.Progress,
		&cols.retryCounts,
		&cols.history,
		&cols.report,
		&rec.Error,
		&rec.Aborted,
		&created,
		&updated,
	); err != nil {
		return domain.WorkflowRecord{}, err
	}
	rec.Phase = domain.Phase(phase)
	rec.Status = domain.WorkflowStatus(status)
	rec.CreatedAt = created.UTC()
	rec.UpdatedAt = updated.UTC()

	if err := decodeRecord(&rec, cols); err != nil {
		return domain.WorkflowRecord{}, fmt.Errorf("workflow %s: %w", rec.ID, err)
	}
	return rec, nil
}
