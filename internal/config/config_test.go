// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "DATABASE_URL", "ENV", "API_TOKEN", "AUTO_MIGRATE",
		"QUEUE_BACKEND", "STORE_BACKEND", "MAX_RETRIES", "QUALITY_THRESHOLD",
		"CODE_TIMEOUT", "COMMAND_TIMEOUT", "CODE_INTERPRETER", "MIN_WORKER_SUCCESSES",
		"IN_PROCESS_WORKERS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default HTTPAddr=:8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "dev" {
		t.Fatalf("expected default Env=dev, got %s", cfg.Env)
	}
	if cfg.APIToken != "" {
		t.Fatalf("expected default APIToken to be empty, got %s", cfg.APIToken)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("expected default AutoMigrate=true")
	}
	if cfg.QueueBackend != "memory" || cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backends, got queue=%s store=%s", cfg.QueueBackend, cfg.StoreBackend)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.QualityThreshold != 0.6 {
		t.Fatalf("expected default QualityThreshold=0.6, got %f", cfg.QualityThreshold)
	}
	if cfg.MinWorkerSuccesses != 1 {
		t.Fatalf("expected default MinWorkerSuccesses=1, got %d", cfg.MinWorkerSuccesses)
	}
	if cfg.CodeTimeout != 600*time.Second {
		t.Fatalf("expected default CodeTimeout=600s, got %s", cfg.CodeTimeout)
	}
	if cfg.CommandTimeout != 300*time.Second {
		t.Fatalf("expected default CommandTimeout=300s, got %s", cfg.CommandTimeout)
	}
	if cfg.CodeInterpreter != "python3" {
		t.Fatalf("expected default CodeInterpreter=python3, got %s", cfg.CodeInterpreter)
	}
	if !cfg.InProcessWorkers {
		t.Fatal("expected in-process workers by default")
	}
}

func TestLoadRespectsEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENV", "prod")
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("QUEUE_BACKEND", "NATS")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("QUALITY_THRESHOLD", "0.5")
	t.Setenv("CODE_TIMEOUT", "45")
	t.Setenv("COMMAND_TIMEOUT", "2m")
	t.Setenv("WEBHOOK_URL", "https://hooks.local/secflow")
	t.Setenv("WEBHOOK_SECRET", "hmac-key")

	cfg := Load()
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected HTTP_ADDR override, got %s", cfg.HTTPAddr)
	}
	if cfg.Env != "prod" {
		t.Fatalf("expected ENV override, got %s", cfg.Env)
	}
	if cfg.APIToken != "secret" {
		t.Fatalf("expected API_TOKEN override, got %s", cfg.APIToken)
	}
	if cfg.AutoMigrate {
		t.Fatalf("expected AUTO_MIGRATE override to false")
	}
	if cfg.QueueBackend != "nats" {
		t.Fatalf("expected lowercased queue backend, got %s", cfg.QueueBackend)
	}
	if cfg.MaxRetries != 5 {
		t.Fatalf("expected MaxRetries=5, got %d", cfg.MaxRetries)
	}
	if cfg.QualityThreshold != 0.5 {
		t.Fatalf("expected QualityThreshold=0.5, got %f", cfg.QualityThreshold)
	}
	if cfg.CodeTimeout != 45*time.Second {
		t.Fatalf("expected CodeTimeout=45s, got %s", cfg.CodeTimeout)
	}
	if cfg.CommandTimeout != 2*time.Minute {
		t.Fatalf("expected CommandTimeout=2m, got %s", cfg.CommandTimeout)
	}
	if cfg.WebhookURL != "https://hooks.local/secflow" || cfg.WebhookSecret != "hmac-key" {
		t.Fatalf("expected webhook overrides, got url=%s secret=%s", cfg.WebhookURL, cfg.WebhookSecret)
	}
}

func TestGetenv(t *testing.T) {
	t.Setenv("EXAMPLE_KEY", "value")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "value" {
		t.Fatalf("expected env value, got %s", got)
	}

	t.Setenv("EXAMPLE_KEY", "")
	if got := getenv("EXAMPLE_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestGetenvBool(t *testing.T) {
	t.Setenv("BOOL_KEY", "true")
	if got := getenvBool("BOOL_KEY", false); !got {
		t.Fatal("expected true value")
	}

	t.Setenv("BOOL_KEY", "0")
	if got := getenvBool("BOOL_KEY", true); got {
		t.Fatal("expected false value")
	}

	t.Setenv("BOOL_KEY", "")
	if got := getenvBool("BOOL_KEY", true); !got {
		t.Fatal("expected fallback true value")
	}
}

func TestGetenvIntRejectsGarbage(t *testing.T) {
	t.Setenv("INT_KEY", "many")
	if got := getenvInt("INT_KEY", 3); got != 3 {
		t.Fatalf("expected fallback 3, got %d", got)
	}

	t.Setenv("INT_KEY", "-2")
	if got := getenvInt("INT_KEY", 3); got != 3 {
		t.Fatalf("expected fallback 3 for negative value, got %d", got)
	}
}
