// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/metrics"
	"github.com/adiadia/dataflow/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultTriggerLimitPerMinute = 6

type Deps struct {
	Workflows map[string]WorkflowRunner
	States    StateReader
	History   HistoryReader
	Readiness HealthChecker

	Logger     *slog.Logger
	AdminToken string

	// TriggerLimitPerMinute caps run triggers per workflow name.
	TriggerLimitPerMinute int

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()

	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	triggerLimit := deps.TriggerLimitPerMinute
	if triggerLimit <= 0 {
		triggerLimit = defaultTriggerLimitPerMinute
	}
	limiter := middleware.NewTriggerLimiter()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness != nil {
			if err := deps.Readiness.Check(r.Context()); err != nil {
				logger.Error("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- WORKFLOWS ----------------

	r.Route("/workflows/{name}", func(wf chi.Router) {

		// ---------------- TRIGGER RUN ----------------

		wf.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			runner, ok := deps.Workflows[name]
			if !ok {
				http.Error(w, domain.ErrWorkflowNotFound.Error(), http.StatusNotFound)
				return
			}

			decision := limiter.Allow(name, triggerLimit, time.Now())
			if !decision.Allowed {
				metrics.IncTriggerRejected()
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "too many triggers", http.StatusTooManyRequests)
				return
			}

			if isAsync(r) {
				// Fire and forget: the run outlives the request.
				go func() {
					runCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
					defer cancel()

					if _, err := runner.Execute(runCtx); err != nil {
						logger.Error("background execution failed",
							"workflow", name,
							"error", err,
						)
					}
				}()

				writeJSON(w, http.StatusAccepted, map[string]string{
					"workflow_name": name,
					"status":        "accepted",
				})
				return
			}

			result, err := runner.Execute(r.Context())
			if err != nil {
				if errors.Is(err, domain.ErrRunInProgress) {
					http.Error(w, "workflow already in progress", http.StatusConflict)
					return
				}
				logger.Error("execution failed", "workflow", name, "error", err)
				http.Error(w, "workflow execution failed", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, result)
		})

		// ---------------- STATUS ----------------

		wf.Get("/", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			if _, ok := deps.Workflows[name]; !ok {
				http.Error(w, domain.ErrWorkflowNotFound.Error(), http.StatusNotFound)
				return
			}

			run, err := deps.States.GetState(r.Context(), name)
			if err != nil {
				logger.Error("get state failed", "workflow", name, "error", err)
				http.Error(w, "failed to get workflow state", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, run)
		})

		// ---------------- HISTORY ----------------

		wf.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "name")

			if _, ok := deps.Workflows[name]; !ok {
				http.Error(w, domain.ErrWorkflowNotFound.Error(), http.StatusNotFound)
				return
			}

			limit := 10
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed < 1 || parsed > 100 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = parsed
			}

			entries, err := deps.History.List(r.Context(), name, limit)
			if err != nil {
				logger.Error("list history failed", "workflow", name, "error", err)
				http.Error(w, "failed to list history", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				WorkflowName string                `json:"workflow_name"`
				History      []domain.HistoryEntry `json:"history"`
				Count        int                   `json:"count"`
			}{
				WorkflowName: name,
				History:      entries,
				Count:        len(entries),
			})
		})

		// ---------------- RESET (ADMIN) ----------------

		wf.Group(func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
				name := chi.URLParam(r, "name")

				runner, ok := deps.Workflows[name]
				if !ok {
					http.Error(w, domain.ErrWorkflowNotFound.Error(), http.StatusNotFound)
					return
				}

				if err := runner.Reset(r.Context()); err != nil {
					logger.Error("reset failed", "workflow", name, "error", err)
					http.Error(w, "failed to reset workflow", http.StatusInternalServerError)
					return
				}

				logger.Info("workflow reset via API", "workflow", name)

				writeJSON(w, http.StatusOK, map[string]string{
					"workflow_name": name,
					"status":        string(domain.RunNotStarted),
				})
			})
		})
	})

	return r
}

func isAsync(r *http.Request) bool {
	raw := strings.TrimSpace(r.URL.Query().Get("async"))
	if raw == "" {
		return false
	}
	async, err := strconv.ParseBool(raw)
	return err == nil && async
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
