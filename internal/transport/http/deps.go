// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/adiadia/dataflow/internal/saga"
)

type WorkflowRunner interface {
	Execute(ctx context.Context) (saga.Result, error)
	Reset(ctx context.Context) error
}

type StateReader interface {
	GetState(ctx context.Context, workflowName string) (domain.WorkflowRun, error)
}

type HistoryReader interface {
	List(ctx context.Context, workflowName string, limit int) ([]domain.HistoryEntry, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
