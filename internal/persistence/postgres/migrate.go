// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/migrations"
)

// migrateLockID serializes migrators across api and worker processes.
const migrateLockID int64 = 0x5345435f4d494752 // "SEC_MIGR"

const ledgerDDL = `
	CREATE TABLE IF NOT EXISTS secflow_schema_versions (
		owner      TEXT NOT NULL,
		version    TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (owner, version)
	)
`

// Migrator applies the embedded migrations of the schemas it is given.
type Migrator struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	load   func(owner string) ([]migrations.File, error)
}

func NewMigrator(pool *pgxpool.Pool, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		pool:   pool,
		logger: logging.Component(logger, "migrate"),
		load:   migrations.For,
	}
}

// Apply runs pending migrations for every schema, then checks that the
// schemas are ready.
func (m *Migrator) Apply(ctx context.Context, schemas ...Schema) error {
	if m.pool == nil {
		return errors.New("migrate: no database pool")
	}
	if len(schemas) == 0 {
		return nil
	}
	plan, err := m.plan(schemas)
	if err != nil {
		return err
	}

	started := time.Now()
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrateLockID); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, migrateLockID); err != nil {
			m.logger.Error("migrate unlock failed", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("migrate: create ledger: %w", err)
	}

	applied := 0
	for _, owner := range plan.owners {
		done, err := appliedVersions(ctx, conn, owner)
		if err != nil {
			return err
		}
		for _, f := range plan.files[owner] {
			if done[f.Version()] {
				continue
			}
			if err := applyFile(ctx, conn, f); err != nil {
				return fmt.Errorf("migrate: apply %s: %w", f.Version(), err)
			}
			m.logger.Info("migration applied", "owner", owner, "version", f.Version())
			applied++
		}
	}

	m.logger.Info("schema up to date",
		"owners", plan.owners,
		"applied", applied,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return Ready(ctx, conn, schemas...)
}

type migrationPlan struct {
	owners []string
	files  map[string][]migrations.File
}

// plan loads each owner's files once, in the order the schemas were given.
func (m *Migrator) plan(schemas []Schema) (migrationPlan, error) {
	p := migrationPlan{files: make(map[string][]migrations.File)}
	for _, s := range schemas {
		if _, seen := p.files[s.Owner]; seen {
			continue
		}
		files, err := m.load(s.Owner)
		if err != nil {
			return migrationPlan{}, fmt.Errorf("migrate: %w", err)
		}
		if len(files) == 0 {
			return migrationPlan{}, fmt.Errorf("migrate: %s has no migrations", s.Owner)
		}
		p.owners = append(p.owners, s.Owner)
		p.files[s.Owner] = files
	}
	return p, nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn, owner string) (map[string]bool, error) {
	done := make(map[string]bool)
	err := scanEach(ctx, conn, func(rows pgx.Rows) error {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		done[v] = true
		return nil
	}, `SELECT version FROM secflow_schema_versions WHERE owner = $1`, owner)
	if err != nil {
		return nil, fmt.Errorf("migrate: read %s ledger: %w", owner, err)
	}
	return done, nil
}

func applyFile(ctx context.Context, conn *pgxpool.Conn, f migrations.File) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, f.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO secflow_schema_versions (owner, version) VALUES ($1, $2)`,
			f.Owner, f.Version(),
		)
		return err
	})
}
