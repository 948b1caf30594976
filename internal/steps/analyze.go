// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"log/slog"
	"math"
)

// Analysis is the report computed over the cleaned records.
type Analysis struct {
	Count     int      `json:"count"`
	Min       float64  `json:"min"`
	Max       float64  `json:"max"`
	Mean      float64  `json:"mean"`
	StdDev    float64  `json:"std_dev"`
	Anomalies []string `json:"anomalies,omitempty"`
}

const anomalyStdDevThreshold = 3.0

// Analyze computes descriptive statistics and flags values further than
// three standard deviations from the mean. It has no side effects
// outside the pipeline and therefore no compensation.
type Analyze struct {
	pipe   *Pipeline
	logger *slog.Logger
}

func NewAnalyze(pipe *Pipeline, logger *slog.Logger) *Analyze {
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyze{
		pipe:   pipe,
		logger: logger,
	}
}

func (a *Analyze) Name() string { return "analyze_data" }

func (a *Analyze) Run(ctx context.Context) error {
	if a.pipe.Clean == nil {
		if err := a.pipe.restore(); err != nil {
			return err
		}
	}

	records := a.pipe.Clean
	if len(records) == 0 {
		return errors.New("no transformed records to analyze")
	}

	report := &Analysis{
		Count: len(records),
		Min:   math.Inf(1),
		Max:   math.Inf(-1),
	}

	var sum float64
	for _, rec := range records {
		sum += rec.Value
		if rec.Value < report.Min {
			report.Min = rec.Value
		}
		if rec.Value > report.Max {
			report.Max = rec.Value
		}
	}
	report.Mean = sum / float64(len(records))

	var variance float64
	for _, rec := range records {
		d := rec.Value - report.Mean
		variance += d * d
	}
	variance /= float64(len(records))
	report.StdDev = math.Sqrt(variance)

	if report.StdDev > 0 {
		for _, rec := range records {
			if math.Abs(rec.Value-report.Mean) > anomalyStdDevThreshold*report.StdDev {
				report.Anomalies = append(report.Anomalies, rec.ID)
			}
		}
	}

	a.pipe.Report = report
	if err := a.pipe.checkpoint(); err != nil {
		return err
	}

	a.logger.Info("analyze completed",
		"workflow", a.pipe.WorkflowName,
		"records", report.Count,
		"anomalies", len(report.Anomalies),
	)
	return nil
}
