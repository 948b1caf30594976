// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/google/uuid"
)

// Memory is the reference implementation of all store contracts. It
// backs tests and local runs, and its Locker doubles as the in-process
// single-flight guard for single-instance deployments.
type Memory struct {
	mu      sync.Mutex
	runs    map[string]domain.WorkflowRun
	history map[string][]domain.HistoryEntry
	locks   map[string]time.Time
	reports map[uuid.UUID]Report

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]domain.WorkflowRun, 4),
		history: make(map[string][]domain.HistoryEntry, 4),
		locks:   make(map[string]time.Time, 4),
		reports: make(map[uuid.UUID]Report, 8),
		now:     time.Now,
	}
}

func (m *Memory) GetState(ctx context.Context, workflowName string) (domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[workflowName]
	if !ok {
		return domain.NewWorkflowRun(workflowName), nil
	}
	return run, nil
}

func (m *Memory) UpdateState(ctx context.Context, workflowName string, update domain.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[workflowName]
	if !ok {
		run = domain.NewWorkflowRun(workflowName)
	}
	m.runs[workflowName] = update.Apply(run, m.now().UTC())
	return nil
}

func (m *Memory) Append(ctx context.Context, entry domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[entry.WorkflowName] = append(m.history[entry.WorkflowName], entry)
	return nil
}

func (m *Memory) List(ctx context.Context, workflowName string, limit int) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[workflowName]
	out := make([]domain.HistoryEntry, 0, len(entries))
	// newest first
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *Memory) Acquire(ctx context.Context, workflowName string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.locks[workflowName]; held && now.Before(expiry) {
		return domain.ErrRunInProgress
	}
	m.locks[workflowName] = now.Add(ttl)
	return nil
}

func (m *Memory) Release(ctx context.Context, workflowName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.locks, workflowName)
	return nil
}

func (m *Memory) StoreReport(ctx context.Context, report Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports[report.ID] = report
	return nil
}

func (m *Memory) DeleteReport(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reports, id)
	return nil
}
