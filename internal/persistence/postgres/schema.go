// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

type Column struct {
	Table string
	Name  string
}

func (c Column) String() string { return c.Table + "." + c.Name }

// Schema is what one backend needs from the database. Owner names its
// migration directory.
type Schema struct {
	Owner   string
	Tables  []string
	Columns []Column
	// Indexes the backend's hot queries rely on.
	Indexes []string
}

// Catalog is the slice of the public schema that Schema checks against.
type Catalog struct {
	Tables  map[string]bool
	Columns map[Column]bool
	Indexes map[string]bool
}

// Missing lists every object the schema needs that c lacks.
func (s Schema) Missing(c Catalog) []string {
	var out []string
	for _, t := range s.Tables {
		if !c.Tables[t] {
			out = append(out, "table "+t)
		}
	}
	for _, col := range s.Columns {
		if !c.Columns[col] {
			out = append(out, "column "+col.String())
		}
	}
	for _, idx := range s.Indexes {
		if !c.Indexes[idx] {
			out = append(out, "index "+idx)
		}
	}
	return out
}

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func ReadCatalog(ctx context.Context, q Querier) (Catalog, error) {
	c := Catalog{
		Tables:  make(map[string]bool),
		Columns: make(map[Column]bool),
		Indexes: make(map[string]bool),
	}

	err := scanEach(ctx, q, func(rows pgx.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		c.Tables[name] = true
		return nil
	}, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public'`)
	if err != nil {
		return Catalog{}, fmt.Errorf("read tables: %w", err)
	}

	err = scanEach(ctx, q, func(rows pgx.Rows) error {
		var col Column
		if err := rows.Scan(&col.Table, &col.Name); err != nil {
			return err
		}
		c.Columns[col] = true
		return nil
	}, `SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = 'public'`)
	if err != nil {
		return Catalog{}, fmt.Errorf("read columns: %w", err)
	}

	err = scanEach(ctx, q, func(rows pgx.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		c.Indexes[name] = true
		return nil
	}, `SELECT indexname FROM pg_indexes WHERE schemaname = 'public'`)
	if err != nil {
		return Catalog{}, fmt.Errorf("read indexes: %w", err)
	}
	return c, nil
}

func scanEach(ctx context.Context, q Querier, fn func(pgx.Rows) error, sql string, args ...any) error {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ready reports every object the schemas need that the database lacks.
func Ready(ctx context.Context, q Querier, schemas ...Schema) error {
	if q == nil {
		return fmt.Errorf("schema check: no database")
	}
	c, err := ReadCatalog(ctx, q)
	if err != nil {
		return err
	}
	return readiness(c, schemas)
}

func readiness(c Catalog, schemas []Schema) error {
	var missing []string
	for _, s := range schemas {
		for _, m := range s.Missing(c) {
			missing = append(missing, s.Owner+": "+m)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schema not ready, missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// HealthChecker verifies the schemas of the backends a process actually uses.
type HealthChecker struct {
	q       Querier
	schemas []Schema
}

func NewHealthChecker(q Querier, schemas ...Schema) *HealthChecker {
	return &HealthChecker{q: q, schemas: schemas}
}

func (h *HealthChecker) Check(ctx context.Context) error {
	return Ready(ctx, h.q, h.schemas...)
}
