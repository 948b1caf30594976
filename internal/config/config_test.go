// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "ENV", "ADMIN_TOKEN", "WORKFLOW_NAME", "SOURCE_URL",
		"STORE_BACKEND", "DATABASE_URL", "REDIS_ADDR", "AUTO_MIGRATE",
		"LOCK_TTL", "STEP_TIMEOUT", "WEBHOOK_URL", "WEBHOOK_SECRET", "CRON_SPEC",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTPAddr)
	}
	if cfg.WorkflowName != "daily_data_analysis" {
		t.Fatalf("unexpected workflow name: %s", cfg.WorkflowName)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("unexpected backend: %s", cfg.StoreBackend)
	}
	if !cfg.AutoMigrate {
		t.Fatal("expected auto-migrate enabled by default")
	}
	if cfg.LockTTL != 15*time.Minute || cfg.StepTimeout != 5*time.Minute {
		t.Fatalf("unexpected durations: %v / %v", cfg.LockTTL, cfg.StepTimeout)
	}
	if cfg.CronSpec != "0 6 * * *" {
		t.Fatalf("unexpected cron spec: %s", cfg.CronSpec)
	}
	if cfg.AdminToken != "" || cfg.WebhookURL != "" {
		t.Fatal("expected optional values empty by default")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("WORKFLOW_NAME", "nightly_sync")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("AUTO_MIGRATE", "false")
	t.Setenv("LOCK_TTL", "30s")
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/done")

	cfg := Load()

	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTPAddr)
	}
	if cfg.WorkflowName != "nightly_sync" {
		t.Fatalf("unexpected workflow name: %s", cfg.WorkflowName)
	}
	if cfg.StoreBackend != "redis" {
		t.Fatalf("unexpected backend: %s", cfg.StoreBackend)
	}
	if cfg.AutoMigrate {
		t.Fatal("expected auto-migrate disabled")
	}
	if cfg.LockTTL != 30*time.Second {
		t.Fatalf("unexpected lock ttl: %v", cfg.LockTTL)
	}
	if cfg.WebhookURL != "https://hooks.example.com/done" {
		t.Fatalf("unexpected webhook url: %s", cfg.WebhookURL)
	}
}

func TestLoadIgnoresGarbageValues(t *testing.T) {
	t.Setenv("AUTO_MIGRATE", "maybe")
	t.Setenv("LOCK_TTL", "soon")
	t.Setenv("STEP_TIMEOUT", "-5m")

	cfg := Load()

	if !cfg.AutoMigrate {
		t.Fatal("expected default for unparseable bool")
	}
	if cfg.LockTTL != 15*time.Minute {
		t.Fatalf("expected default for unparseable duration, got %v", cfg.LockTTL)
	}
	if cfg.StepTimeout != 5*time.Minute {
		t.Fatalf("expected default for non-positive duration, got %v", cfg.StepTimeout)
	}
}
