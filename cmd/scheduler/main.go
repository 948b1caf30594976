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

	"github.com/adiadia/dataflow/internal/config"
	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/logging"
	"github.com/adiadia/dataflow/internal/persistence/postgres"
	"github.com/adiadia/dataflow/internal/saga"
	"github.com/adiadia/dataflow/internal/steps"
	"github.com/adiadia/dataflow/internal/store"
	"github.com/robfig/cron/v3"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	bundle, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisAddr:   cfg.RedisAddr,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("open store failed: %v", err)
	}
	defer bundle.Close()

	if bundle.Pool != nil && cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, bundle.Pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	pipeline := steps.DailyAnalysis(cfg.WorkflowName, cfg.SourceURL, httpClient, bundle.Results, logger)

	orchestrator, err := saga.New(saga.Deps{
		WorkflowName:  cfg.WorkflowName,
		Steps:         pipeline,
		States:        bundle.States,
		History:       bundle.History,
		Locker:        bundle.Locker,
		Logger:        logger,
		LockTTL:       cfg.LockTTL,
		StepTimeout:   cfg.StepTimeout,
		HTTPClient:    httpClient,
		WebhookURL:    cfg.WebhookURL,
		WebhookSecret: cfg.WebhookSecret,
	})
	if err != nil {
		log.Fatalf("build orchestrator failed: %v", err)
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.CronSpec, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Hour)
		defer cancel()

		result, err := orchestrator.Execute(runCtx)
		if err != nil {
			if errors.Is(err, domain.ErrRunInProgress) {
				logger.Warn("scheduled run skipped, previous attempt still running",
					"workflow", cfg.WorkflowName,
				)
				return
			}
			logger.Error("scheduled run failed",
				"workflow", cfg.WorkflowName,
				"error", err,
			)
			return
		}

		logger.Info("scheduled run finished",
			"workflow", cfg.WorkflowName,
			"status", result.Status,
			"steps_run", result.StepsRun,
		)
	})
	if err != nil {
		log.Fatalf("invalid cron spec %q: %v", cfg.CronSpec, err)
	}

	c.Start()
	logger.Info("scheduler started",
		"workflow", cfg.WorkflowName,
		"cron_spec", cfg.CronSpec,
		"store_backend", cfg.StoreBackend,
	)

	<-ctx.Done()
	logger.Info("shutting down scheduler")

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("scheduler stop timed out")
	}
}
