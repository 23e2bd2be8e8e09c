// SPDX-License-Identifier: Apache-2.0

// Package app assembles the runtime from configuration. cmd/api and
// cmd/worker share it so both processes agree on queue names and rosters.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/adiadia/secflow/internal/agent"
	"github.com/adiadia/secflow/internal/config"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/orchestrator"
	"github.com/adiadia/secflow/internal/persistence/postgres"
	"github.com/adiadia/secflow/internal/provider"
	"github.com/adiadia/secflow/internal/queue"
	"github.com/adiadia/secflow/internal/reasoning"
	"github.com/adiadia/secflow/internal/repository"
	"github.com/adiadia/secflow/internal/sandbox"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendSQLite   = "sqlite"
)

// Runtime holds everything built from one Config. Close releases it in
// reverse order of acquisition.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *provider.Registry
	Team     agent.Team
	Queue    queue.Queue
	// Store is nil when the runtime was opened without one (cmd/worker).
	Store repository.Store
	// Health is set when a database backs the runtime.
	Health interface {
		Check(ctx context.Context) error
	}

	closers []func()
}

type Options struct {
	WithStore bool
}

func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Config: cfg, Logger: logger}

	registry, err := provider.Load(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	rt.Registry = registry

	client := reasoning.New(reasoning.Deps{Registry: registry, Logger: logger})
	runner := sandbox.New(sandbox.Config{
		Interpreter:    cfg.CodeInterpreter,
		CodeTimeout:    cfg.CodeTimeout,
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
	})
	rt.Team = agent.NewTeam(registry.Roster(), client, runner, logger)

	var pool *pgxpool.Pool
	if schemas := PostgresSchemas(cfg, opts); len(schemas) > 0 {
		pool, err = openPostgres(ctx, cfg, logger, rt.pollers(), schemas)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.Health = postgres.NewHealthChecker(pool, schemas...)
	}

	q, err := rt.openQueue(ctx, cfg, pool)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Queue = q

	if opts.WithStore {
		store, err := rt.openStore(ctx, cfg, pool)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = store
	}

	return rt, nil
}

// PostgresSchemas lists the schemas of the Postgres backends cfg selects.
// Only those are migrated and health checked.
func PostgresSchemas(cfg config.Config, opts Options) []postgres.Schema {
	var out []postgres.Schema
	if cfg.QueueBackend == BackendPostgres {
		out = append(out, queue.PostgresSchema())
	}
	if opts.WithStore && cfg.StoreBackend == BackendPostgres {
		out = append(out, repository.PostgresSchema())
	}
	return out
}

// pollers is how many pool goroutines may wait on the queue at once.
func (rt *Runtime) pollers() int {
	n := len(rt.Team.Static) + len(rt.Team.Dynamic) + len(rt.Team.Analyzers)
	return n * max(rt.Config.WorkersPerQueue, 1)
}

func openPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger, pollers int, schemas []postgres.Schema) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{Pollers: pollers})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	if cfg.AutoMigrate {
		err = postgres.NewMigrator(pool, logger).Apply(ctx, schemas...)
	} else {
		err = postgres.Ready(ctx, pool, schemas...)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return pool, nil
}

func (rt *Runtime) openQueue(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (queue.Queue, error) {
	var q queue.Queue
	switch cfg.QueueBackend {
	case BackendMemory, "":
		q = queue.NewMemory(cfg.VisibilityTimeout)
	case BackendPostgres:
		q = queue.NewPostgres(queue.PostgresDeps{
			Pool:       pool,
			Logger:     rt.Logger,
			Visibility: cfg.VisibilityTimeout,
		})
	case BackendNATS:
		nc, err := connectNATS(cfg.NATSURL, rt.Logger)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, nc.Close)
		nq, err := queue.NewNATS(queue.NATSDeps{
			Conn:       nc,
			Logger:     rt.Logger,
			Visibility: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		q = nq
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	rt.closers = append(rt.closers, func() {
		if err := q.Close(); err != nil {
			rt.Logger.Warn("queue close failed", "error", err)
		}
	})
	return q, nil
}

func connectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("secflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (repository.Store, error) {
	var store repository.Store
	switch cfg.StoreBackend {
	case BackendMemory, "":
		store = repository.NewMemory()
	case BackendSQLite:
		s, err := repository.OpenSQLite(ctx, cfg.SQLitePath, rt.Logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	case BackendPostgres:
		store = repository.NewPostgres(pool, rt.Logger)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			rt.Logger.Warn("store close failed", "error", err)
		}
	})
	return store, nil
}

// Close releases every resource Open acquired.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Pools builds one worker pool per fan-out agent, each consuming its own
// input queue.
func (rt *Runtime) Pools() []*distribution.Pool {
	var pools []*distribution.Pool
	add := func(phase domain.Phase, procs []agent.Processor) {
		for _, p := range procs {
			pools = append(pools, distribution.NewPool(distribution.PoolDeps{
				Queue:      rt.Queue,
				Phase:      phase,
				Processor:  p,
				Logger:     rt.Logger,
				Workers:    rt.Config.WorkersPerQueue,
				PopTimeout: rt.Config.PopTimeout,
			}))
		}
	}
	add(domain.PhaseStaticAnalysis, rt.Team.Static)
	add(domain.PhaseDynamicTesting, rt.Team.Dynamic)
	add(domain.PhaseAnalysis, rt.Team.Analyzers)
	return pools
}

// Dispatcher fans work out over the queue. A memory queue without in-process
// pools has no consumers, so the processors are called directly instead.
func (rt *Runtime) Dispatcher() distribution.Dispatcher {
	if rt.Config.QueueBackend == BackendMemory && !rt.Config.InProcessWorkers {
		var procs []agent.Processor
		procs = append(procs, rt.Team.Static...)
		procs = append(procs, rt.Team.Dynamic...)
		procs = append(procs, rt.Team.Analyzers...)
		return distribution.NewLocalDispatcher(0, procs...)
	}
	return distribution.NewQueueDispatcher(distribution.QueueDispatcherDeps{
		Queue:  rt.Queue,
		Logger: rt.Logger,
	})
}

// Orchestrator wires the team to the runtime's dispatcher.
func (rt *Runtime) Orchestrator() *orchestrator.Orchestrator {
	// MAX_RETRIES=0 means no retries; the orchestrator reads zero as unset.
	maxRetries := rt.Config.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}

	return orchestrator.New(orchestrator.Deps{
		Planner:            rt.Team.Planner,
		Decision:           rt.Team.Decision,
		Static:             Names(rt.Team.Static),
		Dynamic:            Names(rt.Team.Dynamic),
		Analyzers:          Names(rt.Team.Analyzers),
		Dispatcher:         rt.Dispatcher(),
		Gate:               orchestrator.QualityGate{Threshold: rt.Config.QualityThreshold},
		Logger:             rt.Logger,
		MaxRetries:         maxRetries,
		MinWorkerSuccesses: rt.Config.MinWorkerSuccesses,
		PhaseTimeout:       rt.Config.PhaseTimeout,
	})
}

type QueueInspector interface {
	Names(ctx context.Context) ([]string, error)
	Len(ctx context.Context, name string) (int, error)
}

// QueueInspector returns the queue when its backend can enumerate queues.
func (rt *Runtime) QueueInspector() (QueueInspector, bool) {
	qi, ok := rt.Queue.(QueueInspector)
	return qi, ok
}

func Names(procs []agent.Processor) []string {
	out := make([]string, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Name())
	}
	return out
}
