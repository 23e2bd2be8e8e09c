//go:build integration

// SPDX-License-Identifier: Apache-2.0

package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/persistence/postgres"
	"github.com/adiadia/secflow/internal/queue"
	"github.com/adiadia/secflow/internal/repository"
)

// scratchDatabase creates an empty database and returns a pool on it.
func scratchDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}
	admin, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{})
	if err != nil {
		t.Skipf("skip integration test: database not reachable (%v)", err)
	}
	t.Cleanup(admin.Close)

	name := "secflow_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		t.Skipf("skip integration test: cannot create database (%v)", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse DATABASE_URL: %v", err)
	}
	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect scratch database: %v", err)
	}

	t.Cleanup(func() {
		pool.Close()
		dropCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if _, err := admin.Exec(dropCtx, "DROP DATABASE "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)"); err != nil {
			t.Logf("drop scratch database %s: %v", name, err)
		}
	})
	return pool
}

func TestMigratorAppliesOnlyRequestedOwners(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	pool := scratchDatabase(t, ctx)
	m := postgres.NewMigrator(pool, logging.Discard())

	// A worker process on the postgres queue migrates the queue tables only.
	if err := m.Apply(ctx, queue.PostgresSchema()); err != nil {
		t.Fatalf("apply queue schema: %v", err)
	}
	if err := postgres.Ready(ctx, pool, queue.PostgresSchema()); err != nil {
		t.Fatalf("queue schema not ready: %v", err)
	}
	err := postgres.Ready(ctx, pool, queue.PostgresSchema(), repository.PostgresSchema())
	if err == nil || !strings.Contains(err.Error(), "store: table workflows") {
		t.Fatalf("expected store tables to be missing, got %v", err)
	}

	for run := 1; run <= 2; run++ {
		if err := m.Apply(ctx, queue.PostgresSchema(), repository.PostgresSchema()); err != nil {
			t.Fatalf("apply both schemas, run %d: %v", run, err)
		}
	}

	var versions int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM secflow_schema_versions`).Scan(&versions); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if versions != 2 {
		t.Fatalf("expected one ledger row per migration file, got %d", versions)
	}
}

func TestHealthCheckerReportsMissingClaimIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	pool := scratchDatabase(t, ctx)
	schemas := []postgres.Schema{queue.PostgresSchema(), repository.PostgresSchema()}

	if err := postgres.NewMigrator(pool, logging.Discard()).Apply(ctx, schemas...); err != nil {
		t.Fatalf("apply: %v", err)
	}
	health := postgres.NewHealthChecker(pool, schemas...)
	if err := health.Check(ctx); err != nil {
		t.Fatalf("fresh schema unhealthy: %v", err)
	}

	if _, err := pool.Exec(ctx, `DROP INDEX queue_messages_claim_idx`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	err := health.Check(ctx)
	if err == nil || !strings.Contains(err.Error(), "queue: index queue_messages_claim_idx") {
		t.Fatalf("expected the claim index to be reported, got %v", err)
	}

	// The ledger already lists the file, so a rerun does not repair it.
	if err := postgres.NewMigrator(pool, logging.Discard()).Apply(ctx, schemas...); err == nil {
		t.Fatal("expected apply to report the missing index")
	}
}

func TestMigratedSchemaServesQueueAndStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	pool := scratchDatabase(t, ctx)

	if err := postgres.NewMigrator(pool, logging.Discard()).Apply(ctx, queue.PostgresSchema(), repository.PostgresSchema()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	q := queue.NewPostgres(queue.PostgresDeps{Pool: pool, Logger: logging.Discard()})
	name := "static_analysis_queue:static_openai"
	msg, err := queue.NewProducer(q).Publish(ctx, name, "task", map[string]string{"target_url": "http://shop.test"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	d, err := q.Pop(ctx, name, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if d.ID != msg.ID {
		t.Fatalf("expected message %s got %s", msg.ID, d.ID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	store := repository.NewPostgres(pool, logging.Discard())
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := domain.WorkflowRecord{
		ID:         uuid.New(),
		Submission: domain.Submission{TargetInfo: map[string]any{"target_url": "http://shop.test"}},
		Phase:      domain.PhasePlanning,
		Status:     domain.StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("save workflow: %v", err)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != domain.StatusRunning || got.Phase != domain.PhasePlanning {
		t.Fatalf("unexpected workflow %+v", got)
	}
}
