// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/dataflow/internal/config"
	"github.com/adiadia/dataflow/internal/logging"
	"github.com/adiadia/dataflow/internal/persistence/postgres"
	"github.com/adiadia/dataflow/internal/saga"
	"github.com/adiadia/dataflow/internal/steps"
	"github.com/adiadia/dataflow/internal/store"
	httptransport "github.com/adiadia/dataflow/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	var readiness httptransport.HealthChecker
	if bundle.Pool != nil {
		if cfg.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, bundle.Pool, logger); err != nil {
				log.Fatalf("schema bootstrap failed: %v", err)
			}
		}
		readiness = postgres.NewSchemaHealthChecker(bundle.Pool)
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

	handler := httptransport.NewRouter(httptransport.Deps{
		Workflows: map[string]httptransport.WorkflowRunner{
			cfg.WorkflowName: orchestrator,
		},
		States:     bundle.States,
		History:    bundle.History,
		Readiness:  readiness,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		Version:    Version,
		Commit:     Commit,
		BuildDate:  BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"workflow", cfg.WorkflowName,
			"store_backend", cfg.StoreBackend,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
