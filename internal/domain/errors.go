// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned when a second Execute races an attempt
// that already holds the workflow lock. The loser must not touch state.
var ErrRunInProgress = errors.New("workflow run already in progress")

var ErrEmptyWorkflowName = errors.New("workflow name must not be empty")
var ErrNoSteps = errors.New("workflow has no steps")
var ErrWorkflowNotFound = errors.New("workflow not found")

// StepError wraps the failure of one step's forward action.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (index %d) failed: %v", e.Step, e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CompensationError wraps the failure of one step's reverse action. It
// is observability detail only; the run stays FAILED from the original
// step failure.
type CompensationError struct {
	Step  string
	Index int
	Err   error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %s (index %d) failed: %v", e.Step, e.Index, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }
