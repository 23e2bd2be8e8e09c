// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/secflow/internal/config"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/migrations"
)

func memoryConfig() config.Config {
	cfg := config.Load()
	cfg.QueueBackend = BackendMemory
	cfg.StoreBackend = BackendMemory
	cfg.ProvidersFile = ""
	return cfg
}

func TestOpenMemoryRuntime(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), logging.Discard(), Options{WithStore: true})
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.Store)
	assert.Nil(t, rt.Health)
	assert.NotNil(t, rt.Team.Planner)
	assert.NotNil(t, rt.Team.Decision)

	pools := rt.Pools()
	want := len(rt.Team.Static) + len(rt.Team.Dynamic) + len(rt.Team.Analyzers)
	require.Len(t, pools, want)
	assert.Equal(t, distribution.InputQueue(domain.PhaseStaticAnalysis, rt.Team.Static[0].Name()), pools[0].Input())

	_, ok := rt.QueueInspector()
	assert.True(t, ok)
	assert.NotNil(t, rt.Orchestrator())
}

func TestDispatcherFollowsWorkerPlacement(t *testing.T) {
	cfg := memoryConfig()
	cfg.InProcessWorkers = true
	rt, err := Open(context.Background(), cfg, logging.Discard(), Options{})
	require.NoError(t, err)
	defer rt.Close()
	assert.IsType(t, &distribution.QueueDispatcher{}, rt.Dispatcher())

	cfg.InProcessWorkers = false
	direct, err := Open(context.Background(), cfg, logging.Discard(), Options{})
	require.NoError(t, err)
	defer direct.Close()
	assert.IsType(t, &distribution.LocalDispatcher{}, direct.Dispatcher())
}

func TestPostgresSchemasFollowBackends(t *testing.T) {
	owners := func(cfg config.Config, opts Options) []string {
		var out []string
		for _, s := range PostgresSchemas(cfg, opts) {
			out = append(out, s.Owner)
		}
		return out
	}

	cfg := memoryConfig()
	assert.Empty(t, owners(cfg, Options{WithStore: true}))

	cfg.QueueBackend = BackendPostgres
	assert.Equal(t, []string{migrations.Queue}, owners(cfg, Options{WithStore: true}))

	cfg.StoreBackend = BackendPostgres
	assert.Equal(t, []string{migrations.Queue, migrations.Store}, owners(cfg, Options{WithStore: true}))
	// The worker process never touches the store tables.
	assert.Equal(t, []string{migrations.Queue}, owners(cfg, Options{}))

	cfg.QueueBackend = BackendNATS
	assert.Equal(t, []string{migrations.Store}, owners(cfg, Options{WithStore: true}))
}

func TestPollersScaleWithWorkers(t *testing.T) {
	cfg := memoryConfig()
	cfg.WorkersPerQueue = 3
	rt, err := Open(context.Background(), cfg, logging.Discard(), Options{})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, 3*len(rt.Pools()), rt.pollers())

	rt.Config.WorkersPerQueue = 0
	assert.Equal(t, len(rt.Pools()), rt.pollers())
}

func TestOpenSQLiteStore(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreBackend = BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "secflow.db")

	rt, err := Open(context.Background(), cfg, logging.Discard(), Options{WithStore: true})
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestOpenWithoutStore(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), logging.Discard(), Options{})
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Store)
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	cfg := memoryConfig()
	cfg.QueueBackend = "kafka"
	_, err := Open(context.Background(), cfg, logging.Discard(), Options{})
	assert.ErrorContains(t, err, "QUEUE_BACKEND")

	cfg = memoryConfig()
	cfg.StoreBackend = "mongo"
	_, err = Open(context.Background(), cfg, logging.Discard(), Options{WithStore: true})
	assert.ErrorContains(t, err, "STORE_BACKEND")
}

func TestOpenRejectsMissingProvidersFile(t *testing.T) {
	cfg := memoryConfig()
	cfg.ProvidersFile = filepath.Join(t.TempDir(), "missing.toml")

	_, err := Open(context.Background(), cfg, logging.Discard(), Options{})
	assert.ErrorContains(t, err, "load providers")
}

func TestNames(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), logging.Discard(), Options{})
	require.NoError(t, err)
	defer rt.Close()

	names := Names(rt.Team.Analyzers)
	require.Len(t, names, len(rt.Team.Analyzers))
	for i, p := range rt.Team.Analyzers {
		assert.Equal(t, p.Name(), names[i])
	}
}
