// SPDX-License-Identifier: Apache-2.0

// Package postgres owns the pgx pool shared by the Postgres queue and store,
// and the schema each of them declares.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// reservedConns covers the API handlers, the dispatcher and migrations.
	reservedConns = 4
	maxPoolConns  = 64
)

type PoolOptions struct {
	// Pollers is how many worker goroutines may block in a queue Pop at
	// once. Each holds a connection while it polls.
	Pollers int
}

func (o PoolOptions) maxConns() int32 {
	n := max(o.Pollers, 0) + reservedConns
	return int32(min(n, maxPoolConns))
}

// NewPool connects and pings. The pool is sized so pollers never starve the
// rest of the process.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = opts.maxConns()
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
