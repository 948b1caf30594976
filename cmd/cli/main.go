// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/adiadia/dataflow/internal/config"
	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/logging"
	"github.com/adiadia/dataflow/internal/persistence/postgres"
	"github.com/adiadia/dataflow/internal/saga"
	"github.com/adiadia/dataflow/internal/steps"
	"github.com/adiadia/dataflow/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Env)
	ctx := context.Background()

	bundle, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.DatabaseURL,
		RedisAddr:   cfg.RedisAddr,
		Logger:      logger,
	})
	if err != nil {
		fatal("open store: %v", err)
	}
	defer bundle.Close()

	if bundle.Pool != nil && cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, bundle.Pool, logger); err != nil {
			fatal("schema bootstrap: %v", err)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	pipeline := steps.DailyAnalysis(cfg.WorkflowName, cfg.SourceURL, httpClient, bundle.Results, logger)

	orchestrator, err := saga.New(saga.Deps{
		WorkflowName: cfg.WorkflowName,
		Steps:        pipeline,
		States:       bundle.States,
		History:      bundle.History,
		Locker:       bundle.Locker,
		Logger:       logger,
		LockTTL:      cfg.LockTTL,
		StepTimeout:  cfg.StepTimeout,
	})
	if err != nil {
		fatal("build orchestrator: %v", err)
	}

	switch os.Args[1] {
	case "run":
		result, err := orchestrator.Execute(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrRunInProgress) {
				fatal("workflow %s is already running", cfg.WorkflowName)
			}
			fatal("execute: %v", err)
		}
		printJSON(result)
		if result.Status == domain.RunFailed {
			os.Exit(1)
		}

	case "status":
		run, err := orchestrator.Status(ctx)
		if err != nil {
			fatal("status: %v", err)
		}
		printJSON(run)

	case "reset":
		if err := orchestrator.Reset(ctx); err != nil {
			fatal("reset: %v", err)
		}
		fmt.Printf("workflow %s reset\n", cfg.WorkflowName)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		limit := fs.Int("limit", 10, "maximum entries to show")
		_ = fs.Parse(os.Args[2:])

		entries, err := bundle.History.List(ctx, cfg.WorkflowName, *limit)
		if err != nil {
			fatal("history: %v", err)
		}
		printJSON(entries)

	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, "usage: dataflow (run|status|reset|history [-limit N])")
	_, _ = fmt.Fprintln(w, "workflow and store are configured via environment (WORKFLOW_NAME, STORE_BACKEND, ...)")
}
