// SPDX-License-Identifier: Apache-2.0

package saga

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/metrics"
	"github.com/adiadia/dataflow/internal/store"
	"github.com/google/uuid"
)

type Deps struct {
	WorkflowName string
	Steps        []Step
	States       store.StateStore
	History      store.HistoryLog

	// Locker guards against concurrent Execute calls for the same
	// workflow name across instances. When nil the orchestrator falls
	// back to an in-process try-lock, which is only safe when a single
	// instance owns the workflow name.
	Locker store.Locker

	Logger      *slog.Logger
	LockTTL     time.Duration
	StepTimeout time.Duration

	// Optional terminal webhook.
	HTTPClient    *http.Client
	WebhookURL    string
	WebhookSecret string
}

// Orchestrator drives one named, ordered step sequence against one
// WorkflowRun record. It owns the step slice for the lifetime of an
// Execute call; the state store and history log are injected
// collaborators shared across invocations.
type Orchestrator struct {
	workflowName string
	steps        []Step
	states       store.StateStore
	history      store.HistoryLog
	locker       store.Locker
	logger       *slog.Logger
	lockTTL      time.Duration
	stepTimeout  time.Duration

	httpClient    *http.Client
	webhookURL    string
	webhookSecret string

	// single-flight fallback when no shared Locker is configured
	mu sync.Mutex
}

func New(deps Deps) (*Orchestrator, error) {
	if strings.TrimSpace(deps.WorkflowName) == "" {
		return nil, domain.ErrEmptyWorkflowName
	}
	if len(deps.Steps) == 0 {
		return nil, domain.ErrNoSteps
	}
	if deps.States == nil {
		return nil, fmt.Errorf("workflow %s: nil state store", deps.WorkflowName)
	}
	if deps.History == nil {
		return nil, fmt.Errorf("workflow %s: nil history log", deps.WorkflowName)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lockTTL := deps.LockTTL
	if lockTTL <= 0 {
		lockTTL = 15 * time.Minute
	}

	steps := make([]Step, len(deps.Steps))
	copy(steps, deps.Steps)

	return &Orchestrator{
		workflowName:  deps.WorkflowName,
		steps:         steps,
		states:        deps.States,
		history:       deps.History,
		locker:        deps.Locker,
		logger:        logger,
		lockTTL:       lockTTL,
		stepTimeout:   deps.StepTimeout,
		httpClient:    deps.HTTPClient,
		webhookURL:    deps.WebhookURL,
		webhookSecret: deps.WebhookSecret,
	}, nil
}

// Result is the outcome of one Execute call. A step failure lands here
// with Status FAILED; only concurrency and persistence failures are
// returned as errors.
type Result struct {
	WorkflowName    string           `json:"workflow_name"`
	Status          domain.RunStatus `json:"status"`
	StepsRun        int              `json:"steps_run"`
	StepsSkipped    int              `json:"steps_skipped"`
	FailedStep      string           `json:"failed_step,omitempty"`
	FailedStepIndex int              `json:"failed_step_index,omitempty"`
	Err             error            `json:"-"`
	Error           string           `json:"error,omitempty"`
}

// Execute runs the sequence from the persisted checkpoint to the end.
// Steps at or below last_success_step are never re-invoked; the
// checkpoint advances only after a step's Run returns nil, and that
// write lands before the next step begins.
func (o *Orchestrator) Execute(ctx context.Context) (Result, error) {
	if err := o.acquire(ctx); err != nil {
		metrics.IncLockConflict()
		o.logger.Warn("workflow already in progress",
			"workflow", o.workflowName,
		)
		return Result{}, fmt.Errorf("workflow %s: %w", o.workflowName, err)
	}
	defer o.release(ctx)

	state, err := o.states.GetState(ctx, o.workflowName)
	if err != nil {
		return Result{}, fmt.Errorf("read state for %s: %w", o.workflowName, err)
	}

	resumeFrom := state.LastSuccessStep + 1
	if resumeFrom > len(o.steps) {
		resumeFrom = len(o.steps)
	}

	o.logger.Info("workflow execution started",
		"workflow", o.workflowName,
		"total_steps", len(o.steps),
		"resume_from", resumeFrom,
		"prev_status", state.Status,
	)

	// Re-triggering a completed workflow is a no-op success.
	if resumeFrom == len(o.steps) && state.Status == domain.RunSuccess {
		result := Result{
			WorkflowName: o.workflowName,
			Status:       domain.RunSuccess,
			StepsSkipped: len(o.steps),
		}
		if err := o.appendHistory(ctx, result, nil); err != nil {
			return Result{}, err
		}
		o.logger.Info("workflow already completed",
			"workflow", o.workflowName,
		)
		return result, nil
	}

	if err := o.states.UpdateState(ctx, o.workflowName, domain.StateUpdate{
		Status:     domain.StatusPtr(domain.RunInProgress),
		ClearError: true,
	}); err != nil {
		return Result{}, fmt.Errorf("mark %s in progress: %w", o.workflowName, err)
	}

	result := Result{
		WorkflowName: o.workflowName,
		StepsSkipped: resumeFrom,
	}

	for index := resumeFrom; index < len(o.steps); index++ {
		step := o.steps[index]

		stepErr := o.runStep(ctx, step, index)
		if stepErr == nil {
			result.StepsRun++
			if err := o.states.UpdateState(ctx, o.workflowName, domain.StateUpdate{
				Status:          domain.StatusPtr(domain.RunInProgress),
				LastSuccessStep: domain.IntPtr(index),
			}); err != nil {
				return Result{}, fmt.Errorf("checkpoint step %d of %s: %w", index, o.workflowName, err)
			}
			continue
		}

		o.logger.Error("step failed, starting compensation",
			"workflow", o.workflowName,
			"step", step.Name(),
			"index", index,
			"error", stepErr,
		)

		compErrs := o.compensate(ctx, index)

		result.Status = domain.RunFailed
		result.FailedStep = step.Name()
		result.FailedStepIndex = index
		result.Err = stepErr
		result.Error = stepErr.Error()

		if err := o.states.UpdateState(ctx, o.workflowName, domain.StateUpdate{
			Status: domain.StatusPtr(domain.RunFailed),
			Error:  domain.StringPtr(stepErr.Error()),
		}); err != nil {
			return Result{}, fmt.Errorf("mark %s failed: %w", o.workflowName, err)
		}
		if err := o.appendHistory(ctx, result, compErrs); err != nil {
			return Result{}, err
		}

		metrics.IncRunStatus(string(domain.RunFailed))
		o.notifyTerminal(ctx, domain.RunFailed, stepErr.Error())
		return result, nil
	}

	if err := o.states.UpdateState(ctx, o.workflowName, domain.StateUpdate{
		Status:          domain.StatusPtr(domain.RunSuccess),
		LastSuccessStep: domain.IntPtr(len(o.steps) - 1),
		ClearError:      true,
	}); err != nil {
		return Result{}, fmt.Errorf("mark %s succeeded: %w", o.workflowName, err)
	}

	result.Status = domain.RunSuccess
	if err := o.appendHistory(ctx, result, nil); err != nil {
		return Result{}, err
	}

	metrics.IncRunStatus(string(domain.RunSuccess))
	o.logger.Info("workflow completed",
		"workflow", o.workflowName,
		"steps_run", result.StepsRun,
		"steps_skipped", result.StepsSkipped,
	)
	o.notifyTerminal(ctx, domain.RunSuccess, "")
	return result, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step Step, index int) *domain.StepError {
	o.logger.Info("executing step",
		"workflow", o.workflowName,
		"step", step.Name(),
		"index", index,
	)

	runCtx := ctx
	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	started := time.Now()
	err := step.Run(runCtx)
	metrics.ObserveStepDuration(time.Since(started))

	if err != nil {
		metrics.IncStepStatus(step.Name(), string(domain.RunFailed))
		return &domain.StepError{Step: step.Name(), Index: index, Err: err}
	}

	metrics.IncStepStatus(step.Name(), string(domain.RunSuccess))
	o.logger.Info("step completed",
		"workflow", o.workflowName,
		"step", step.Name(),
		"index", index,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// compensate walks failedIndex-1 down to 0, invoking the reverse action
// of every step that has one. The walk is best-effort: a failing
// compensation is logged and counted but never aborts the walk.
func (o *Orchestrator) compensate(ctx context.Context, failedIndex int) []string {
	var errs []string

	for index := failedIndex - 1; index >= 0; index-- {
		step := o.steps[index]

		comp, ok := step.(Compensator)
		if !ok {
			o.logger.Info("no compensation defined",
				"workflow", o.workflowName,
				"step", step.Name(),
				"index", index,
			)
			continue
		}

		o.logger.Info("compensating step",
			"workflow", o.workflowName,
			"step", step.Name(),
			"index", index,
		)

		if err := comp.Compensate(ctx); err != nil {
			compErr := &domain.CompensationError{Step: step.Name(), Index: index, Err: err}
			metrics.IncCompensation("failed")
			o.logger.Error("compensation failed",
				"workflow", o.workflowName,
				"step", step.Name(),
				"index", index,
				"error", err,
			)
			errs = append(errs, compErr.Error())
			continue
		}

		metrics.IncCompensation("ok")
	}

	return errs
}

func (o *Orchestrator) appendHistory(ctx context.Context, result Result, compErrs []string) error {
	entry := domain.HistoryEntry{
		ID:                 uuid.New(),
		WorkflowName:       o.workflowName,
		Status:             result.Status,
		Error:              result.Error,
		StepsCompleted:     result.StepsRun + result.StepsSkipped,
		CompensationErrors: compErrs,
		AttemptedAt:        time.Now().UTC(),
	}
	if result.Status == domain.RunFailed {
		entry.StepsCompleted = result.FailedStepIndex
	}

	if err := o.history.Append(ctx, entry); err != nil {
		return fmt.Errorf("append history for %s: %w", o.workflowName, err)
	}
	return nil
}

// Reset forces the record back to NOT_STARTED with no completed steps.
// It is an operator action, never part of the execute path.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.logger.Info("resetting workflow", "workflow", o.workflowName)

	err := o.states.UpdateState(ctx, o.workflowName, domain.StateUpdate{
		Status:          domain.StatusPtr(domain.RunNotStarted),
		LastSuccessStep: domain.IntPtr(domain.NoStepCompleted),
		ClearError:      true,
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", o.workflowName, err)
	}
	return nil
}

// Status reads the current record straight from the state store.
func (o *Orchestrator) Status(ctx context.Context) (domain.WorkflowRun, error) {
	return o.states.GetState(ctx, o.workflowName)
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if o.locker == nil {
		if !o.mu.TryLock() {
			return domain.ErrRunInProgress
		}
		return nil
	}
	return o.locker.Acquire(ctx, o.workflowName, o.lockTTL)
}

func (o *Orchestrator) release(ctx context.Context) {
	if o.locker == nil {
		o.mu.Unlock()
		return
	}
	if err := o.locker.Release(ctx, o.workflowName); err != nil {
		o.logger.Error("lock release failed",
			"workflow", o.workflowName,
			"error", err,
		)
	}
}
