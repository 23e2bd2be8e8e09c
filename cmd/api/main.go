// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/adiadia/secflow/internal/app"
	"github.com/adiadia/secflow/internal/config"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/notify"
	"github.com/adiadia/secflow/internal/orchestrator"
	httptransport "github.com/adiadia/secflow/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	rt, err := app.Open(ctx, cfg, logger, app.Options{WithStore: true})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	svcDeps := orchestrator.ServiceDeps{
		Orchestrator: rt.Orchestrator(),
		Store:        rt.Store,
		Logger:       logger,
	}
	if hook := notify.NewWebhook(notify.WebhookDeps{
		URL:    cfg.WebhookURL,
		Secret: cfg.WebhookSecret,
		Logger: logging.Component(logger, "webhook"),
	}); hook != nil {
		svcDeps.Notifier = hook
	}
	svc := orchestrator.NewService(svcDeps)

	deps := httptransport.Deps{
		Workflows:       svc,
		Providers:       rt.Registry,
		Logger:          logger,
		APIToken:        cfg.APIToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	}
	if qi, ok := rt.QueueInspector(); ok {
		deps.Queues = qi
	}
	if rt.Health != nil {
		deps.HealthChecker = rt.Health
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	poolsCtx, stopPools := context.WithCancel(context.Background())
	var g errgroup.Group
	if cfg.InProcessWorkers {
		pools := rt.Pools()
		logger.Info("starting in-process worker pools", "pools", len(pools), "queue_backend", cfg.QueueBackend)
		g.Go(func() error {
			return distribution.RunPools(poolsCtx, pools...)
		})
	} else if cfg.QueueBackend == app.BackendMemory {
		logger.Info("memory queue without in-process workers: dispatching to processors directly")
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"queue_backend", cfg.QueueBackend,
			"store_backend", cfg.StoreBackend,
		)

		if err := srv.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		30*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	// Workflows record their final state before the pools they wait on stop.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("workflow shutdown error", "error", err)
	}
	stopPools()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pools stopped with error", "error", err)
	}
}
