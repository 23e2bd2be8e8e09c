// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/adiadia/secflow/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	submission TEXT NOT NULL,
	phase TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	retry_counts TEXT NOT NULL DEFAULT '{}',
	history TEXT NOT NULL DEFAULT '[]',
	report TEXT NULL,
	error TEXT NOT NULL DEFAULT '',
	aborted INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_updated ON workflows(updated_at);

CREATE TABLE IF NOT EXISTS workflow_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workflow_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_workflow_events_lookup ON workflow_events(workflow_id, seq);
`

// SQLite is a single-node store on an embedded database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps concurrent workflow goroutines from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Save(ctx context.Context, rec domain.WorkflowRecord) error {
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows(
			id, submission, phase, status, progress, retry_counts, history,
			report, error, aborted, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase=excluded.phase,
			status=excluded.status,
			progress=excluded.progress,
			retry_counts=excluded.retry_counts,
			history=excluded.history,
			report=excluded.report,
			error=excluded.error,
			aborted=excluded.aborted,
			updated_at=excluded.updated_at`,
		rec.ID.String(), string(cols.submission), string(rec.Phase), string(rec.Status), rec.Progress,
		string(cols.retryCounts), string(cols.history), nullableText(cols.report), rec.Error, rec.Aborted,
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("save workflow failed", "workflow_id", rec.ID, "error", err)
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

const sqliteSelectWorkflow = `
	SELECT id, submission, phase, status, progress, retry_counts, history,
		report, error, aborted, created_at, updated_at
	FROM workflows`

func (s *SQLite) Get(ctx context.Context, id uuid.UUID) (domain.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectWorkflow+` WHERE id = ?`, id.String())
	rec, err := scanSQLiteWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkflowRecord{}, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return domain.WorkflowRecord{}, fmt.Errorf("get workflow: %w", err)
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectWorkflow+` ORDER BY updated_at DESC LIMIT ?`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WorkflowRecord, 0)
	for rows.Next() {
		rec, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return out, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, workflowID uuid.UUID, eventType string, payload any) (domain.EventRecord, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.EventRecord{}, err
	}

	ev := domain.EventRecord{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_events(id, workflow_id, type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		ev.ID.String(), workflowID.String(), eventType, string(raw), ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isSQLiteForeignKey(err) {
			return domain.EventRecord{}, domain.ErrWorkflowNotFound
		}
		return domain.EventRecord{}, fmt.Errorf("append event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return domain.EventRecord{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

func (s *SQLite) ListEventsAfter(ctx context.Context, workflowID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, workflow_id, type, payload, created_at
		FROM workflow_events
		WHERE workflow_id = ? AND seq > ?
		ORDER BY seq ASC`,
		workflowID.String(), afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var (
			ev               domain.EventRecord
			id, wid, payload string
			created          int64
		)
		if err := rows.Scan(&ev.Seq, &id, &wid, &ev.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.WorkflowID, err = uuid.Parse(wid); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (domain.WorkflowRecord, error) {
	var (
		id, submission, phase, status, retryCounts, history string
		report                                              sql.NullString
		progress                                            int
		aborted                                             bool
		created, updated                                    int64
		rec                                                 domain.WorkflowRecord
	)
	if err := row.Scan(&id, &submission, &phase, &status, &progress, &retryCounts, &history,
		&report, &rec.Error, &aborted, &created, &updated); err != nil {
		return domain.WorkflowRecord{}, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.WorkflowRecord{}, err
	}
	rec.ID = parsed
	rec.Phase = domain.Phase(phase)
	rec.Status = domain.WorkflowStatus(status)
	rec.Progress = progress
	rec.Aborted = aborted
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	var reportRaw []byte
	if report.Valid {
		reportRaw = []byte(report.String)
	}
	err = decodeRecord(&rec, recordColumns{
		submission:  []byte(submission),
		retryCounts: []byte(retryCounts),
		history:     []byte(history),
		report:      reportRaw,
	})
	return rec, err
}

func nullableText(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

func isSQLiteForeignKey(err error) bool {
	return err != nil && containsFold(err.Error(), "FOREIGN KEY constraint failed")
}
