// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

type RunStatus string

const (
	RunNotStarted RunStatus = "NOT_STARTED"
	RunInProgress RunStatus = "IN_PROGRESS"
	RunSuccess    RunStatus = "SUCCESS"
	RunFailed     RunStatus = "FAILED"
)

// NoStepCompleted is the checkpoint value of a run that has not finished
// any step yet.
const NoStepCompleted = -1

// WorkflowRun is the persisted progress record of one workflow, keyed by
// workflow name. LastSuccessStep only moves forward while the run is
// IN_PROGRESS; an explicit reset is the only way back to -1.
type WorkflowRun struct {
	WorkflowName    string    `json:"workflow_name"`
	Status          RunStatus `json:"status"`
	LastSuccessStep int       `json:"last_success_step"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewWorkflowRun returns the default record used when nothing has been
// persisted for the workflow yet.
func NewWorkflowRun(name string) WorkflowRun {
	return WorkflowRun{
		WorkflowName:    name,
		Status:          RunNotStarted,
		LastSuccessStep: NoStepCompleted,
	}
}

// StateUpdate is a partial update merged into a stored WorkflowRun.
// Nil fields are left untouched; ClearError wipes the error text.
type StateUpdate struct {
	Status          *RunStatus
	LastSuccessStep *int
	Error           *string
	ClearError      bool
}

// Apply merges the update into run and stamps UpdatedAt.
func (u StateUpdate) Apply(run WorkflowRun, now time.Time) WorkflowRun {
	if u.Status != nil {
		run.Status = *u.Status
	}
	if u.LastSuccessStep != nil {
		run.LastSuccessStep = *u.LastSuccessStep
	}
	if u.Error != nil {
		run.Error = *u.Error
	}
	if u.ClearError {
		run.Error = ""
	}
	run.UpdatedAt = now
	return run
}

func StatusPtr(s RunStatus) *RunStatus { return &s }
func IntPtr(i int) *int                { return &i }
func StringPtr(s string) *string       { return &s }
