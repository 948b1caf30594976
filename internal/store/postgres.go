// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements StateStore, HistoryLog, Locker and ResultSink on
// top of a pgx pool. The state merge is a single upsert so concurrent
// writers cannot lose fields, and the lock is a row with an expiry so a
// crashed holder times out.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}

	return &Postgres{
		pool:   pool,
		logger: logger,
	}
}

func (p *Postgres) GetState(ctx context.Context, workflowName string) (domain.WorkflowRun, error) {
	run := domain.WorkflowRun{WorkflowName: workflowName}

	var errText *string
	err := p.pool.QueryRow(ctx, `
		SELECT status, last_success_step, error, updated_at
		FROM workflow_runs
		WHERE workflow_name=$1
	`, workflowName).Scan(&run.Status, &run.LastSuccessStep, &errText, &run.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewWorkflowRun(workflowName), nil
	}
	if err != nil {
		p.logger.Error("get state failed", "workflow", workflowName, "error", err)
		return domain.WorkflowRun{}, err
	}

	if errText != nil {
		run.Error = *errText
	}
	return run, nil
}

func (p *Postgres) UpdateState(ctx context.Context, workflowName string, update domain.StateUpdate) error {
	var status *string
	if update.Status != nil {
		s := string(*update.Status)
		status = &s
	}

	errText := update.Error
	if update.ClearError {
		errText = nil
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO workflow_runs (workflow_name, status, last_success_step, error, updated_at)
		VALUES (
			$1,
			COALESCE($2, 'NOT_STARTED'),
			COALESCE($3, -1),
			CASE WHEN $5 THEN NULL ELSE $4 END,
			NOW()
		)
		ON CONFLICT (workflow_name) DO UPDATE SET
			status            = COALESCE($2, workflow_runs.status),
			last_success_step = COALESCE($3, workflow_runs.last_success_step),
			error             = CASE WHEN $5 THEN NULL ELSE COALESCE($4, workflow_runs.error) END,
			updated_at        = NOW()
	`,
		workflowName,
		status,
		update.LastSuccessStep,
		errText,
		update.ClearError,
	)
	if err != nil {
		p.logger.Error("update state failed", "workflow", workflowName, "error", err)
		return err
	}

	return nil
}

func (p *Postgres) Append(ctx context.Context, entry domain.HistoryEntry) error {
	var compErrs *string
	if len(entry.CompensationErrors) > 0 {
		raw, err := json.Marshal(entry.CompensationErrors)
		if err != nil {
			return fmt.Errorf("marshal compensation errors: %w", err)
		}
		s := string(raw)
		compErrs = &s
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO workflow_history
			(id, workflow_name, status, error, steps_completed, compensation_errors, attempted_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6::jsonb, $7)
	`,
		entry.ID,
		entry.WorkflowName,
		entry.Status,
		entry.Error,
		entry.StepsCompleted,
		compErrs,
		entry.AttemptedAt,
	)
	if err != nil {
		p.logger.Error("append history failed",
			"workflow", entry.WorkflowName,
			"error", err,
		)
		return err
	}

	return nil
}

func (p *Postgres) List(ctx context.Context, workflowName string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, workflow_name, status, COALESCE(error, ''), steps_completed, compensation_errors, attempted_at
		FROM workflow_history
		WHERE workflow_name=$1
		ORDER BY attempted_at DESC
		LIMIT $2
	`, workflowName, limit)
	if err != nil {
		p.logger.Error("list history failed", "workflow", workflowName, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.HistoryEntry, 0, limit)

	for rows.Next() {
		var entry domain.HistoryEntry
		var compErrs *string
		if err := rows.Scan(
			&entry.ID,
			&entry.WorkflowName,
			&entry.Status,
			&entry.Error,
			&entry.StepsCompleted,
			&compErrs,
			&entry.AttemptedAt,
		); err != nil {
			return nil, err
		}
		if compErrs != nil {
			if err := json.Unmarshal([]byte(*compErrs), &entry.CompensationErrors); err != nil {
				return nil, fmt.Errorf("decode compensation errors: %w", err)
			}
		}
		out = append(out, entry)
	}

	return out, rows.Err()
}

func (p *Postgres) Acquire(ctx context.Context, workflowName string, ttl time.Duration) error {
	lockedUntil := time.Now().UTC().Add(ttl)

	cmd, err := p.pool.Exec(ctx, `
		INSERT INTO workflow_locks (workflow_name, locked_until)
		VALUES ($1, $2)
		ON CONFLICT (workflow_name) DO UPDATE
		SET locked_until = EXCLUDED.locked_until
		WHERE workflow_locks.locked_until < NOW()
	`, workflowName, lockedUntil)
	if err != nil {
		p.logger.Error("acquire lock failed", "workflow", workflowName, "error", err)
		return err
	}

	if cmd.RowsAffected() == 0 {
		return domain.ErrRunInProgress
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context, workflowName string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM workflow_locks WHERE workflow_name=$1`,
		workflowName,
	)
	if err != nil {
		p.logger.Error("release lock failed", "workflow", workflowName, "error", err)
	}
	return err
}

func (p *Postgres) StoreReport(ctx context.Context, report Report) error {
	metricsJSON, err := json.Marshal(report.Metrics)
	if err != nil {
		return fmt.Errorf("marshal report metrics: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO analysis_reports (id, workflow_name, record_count, metrics, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
	`,
		report.ID,
		report.WorkflowName,
		report.RecordCount,
		metricsJSON,
		report.CreatedAt,
	)
	if err != nil {
		p.logger.Error("store report failed",
			"workflow", report.WorkflowName,
			"report_id", report.ID,
			"error", err,
		)
		return err
	}

	return nil
}

func (p *Postgres) DeleteReport(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM analysis_reports WHERE id=$1`,
		id,
	)
	if err != nil {
		p.logger.Error("delete report failed", "report_id", id, "error", err)
	}
	return err
}
