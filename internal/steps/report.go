// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/dataflow/internal/store"
	"github.com/google/uuid"
)

// StoreReport persists the analysis report through the configured
// result sink. Compensation deletes exactly what this attempt wrote.
type StoreReport struct {
	pipe   *Pipeline
	sink   store.ResultSink
	logger *slog.Logger

	storedID uuid.UUID
}

func NewStoreReport(pipe *Pipeline, sink store.ResultSink, logger *slog.Logger) *StoreReport {
	if logger == nil {
		logger = slog.Default()
	}

	return &StoreReport{
		pipe:   pipe,
		sink:   sink,
		logger: logger,
	}
}

func (s *StoreReport) Name() string { return "store_results" }

func (s *StoreReport) Run(ctx context.Context) error {
	if s.pipe.Report == nil {
		if err := s.pipe.restore(); err != nil {
			return err
		}
	}
	if s.pipe.Report == nil {
		return errors.New("no analysis report to store")
	}

	report := store.Report{
		ID:           uuid.New(),
		WorkflowName: s.pipe.WorkflowName,
		RecordCount:  s.pipe.Report.Count,
		Metrics: map[string]any{
			"min":       s.pipe.Report.Min,
			"max":       s.pipe.Report.Max,
			"mean":      s.pipe.Report.Mean,
			"std_dev":   s.pipe.Report.StdDev,
			"anomalies": s.pipe.Report.Anomalies,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := s.sink.StoreReport(ctx, report); err != nil {
		return err
	}

	s.storedID = report.ID
	s.logger.Info("report stored",
		"workflow", s.pipe.WorkflowName,
		"report_id", report.ID,
		"records", report.RecordCount,
	)
	return nil
}

func (s *StoreReport) Compensate(ctx context.Context) error {
	if s.storedID == uuid.Nil {
		return nil
	}

	if err := s.sink.DeleteReport(ctx, s.storedID); err != nil {
		return err
	}

	s.logger.Info("report deleted",
		"workflow", s.pipe.WorkflowName,
		"report_id", s.storedID,
	)
	s.storedID = uuid.Nil
	return nil
}
