// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistence contracts the saga core depends
// on, plus memory, Postgres and Redis implementations of them.
package store

import (
	"context"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/google/uuid"
)

// StateStore persists one WorkflowRun record per workflow name.
type StateStore interface {
	// GetState returns the stored record, or the NOT_STARTED default
	// when nothing has been persisted yet. Absence is not an error.
	GetState(ctx context.Context, workflowName string) (domain.WorkflowRun, error)

	// UpdateState merges the given fields into the stored record,
	// creating it if absent. The merge is atomic: concurrent callers
	// must not lose each other's fields.
	UpdateState(ctx context.Context, workflowName string, update domain.StateUpdate) error
}

// HistoryLog is the append-only record of terminal workflow attempts.
// The orchestrator only appends; List exists for operators.
type HistoryLog interface {
	Append(ctx context.Context, entry domain.HistoryEntry) error
	List(ctx context.Context, workflowName string, limit int) ([]domain.HistoryEntry, error)
}

// Locker provides the per-workflow mutual exclusion required before any
// Execute touches state. Acquire returns domain.ErrRunInProgress when
// another holder is alive; the TTL lets a crashed holder expire.
type Locker interface {
	Acquire(ctx context.Context, workflowName string, ttl time.Duration) error
	Release(ctx context.Context, workflowName string) error
}

// Report is an analysis result produced by the pipeline's store step.
type Report struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	RecordCount  int            `json:"record_count"`
	Metrics      map[string]any `json:"metrics"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ResultSink receives finished reports. DeleteReport exists so the
// store step can compensate what it wrote.
type ResultSink interface {
	StoreReport(ctx context.Context, report Report) error
	DeleteReport(ctx context.Context, id uuid.UUID) error
}
