// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/adiadia/secflow/internal/app"
	"github.com/adiadia/secflow/internal/config"
	"github.com/adiadia/secflow/internal/distribution"
	"github.com/adiadia/secflow/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.QueueBackend == app.BackendMemory || cfg.QueueBackend == "" {
		log.Fatal("worker needs a shared queue: set QUEUE_BACKEND=postgres or QUEUE_BACKEND=nats")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	rt, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	pools := rt.Pools()
	inputs := make([]string, 0, len(pools))
	for _, p := range pools {
		inputs = append(inputs, p.Input())
	}
	logger.Info("worker started",
		"queue_backend", cfg.QueueBackend,
		"workers_per_queue", cfg.WorkersPerQueue,
		"queues", inputs,
	)

	if err := distribution.RunPools(ctx, pools...); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pools stopped with error", "error", err)
		rt.Close()
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
