// SPDX-License-Identifier: Apache-2.0

// Package saga implements the orchestration core: ordered step
// execution with a persisted checkpoint, resume after restart, and
// reverse-order compensation when a step fails.
package saga

import "context"

// Step is one unit of forward work in a workflow. Run must not leave
// partial side effects it cannot tolerate being observed after a crash;
// the orchestrator persists the checkpoint only after Run returns nil.
type Step interface {
	Name() string
	Run(ctx context.Context) error
}

// Compensator is the optional reverse action of a step. Steps that do
// not implement it are skipped during rollback, which is not an error.
type Compensator interface {
	Compensate(ctx context.Context) error
}

// StepFunc adapts a named function to the Step interface.
type StepFunc struct {
	StepName string
	RunFunc  func(ctx context.Context) error
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Run(ctx context.Context) error { return s.RunFunc(ctx) }
