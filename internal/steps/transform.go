// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Transform cleans the extracted records: rows missing an ID, carrying
// an unparseable timestamp or a non-finite value are dropped. The input
// slice is kept as a backup so compensation can discard the derived
// data without touching what extract produced.
type Transform struct {
	pipe   *Pipeline
	logger *slog.Logger
	backup []Record
}

func NewTransform(pipe *Pipeline, logger *slog.Logger) *Transform {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transform{
		pipe:   pipe,
		logger: logger,
	}
}

func (t *Transform) Name() string { return "transform_data" }

func (t *Transform) Run(ctx context.Context) error {
	if t.pipe.Records == nil {
		// resumed in a fresh process; reload the staged extract output
		if err := t.pipe.restore(); err != nil {
			return err
		}
	}
	if t.pipe.Records == nil {
		return errors.New("no extracted records to transform")
	}

	t.backup = t.pipe.Clean

	clean := make([]Record, 0, len(t.pipe.Records))
	dropped := 0

	for _, rec := range t.pipe.Records {
		if rec.ID == "" {
			dropped++
			continue
		}
		if _, err := time.Parse(time.RFC3339, rec.Timestamp); err != nil {
			dropped++
			continue
		}
		if math.IsNaN(rec.Value) || math.IsInf(rec.Value, 0) {
			dropped++
			continue
		}
		clean = append(clean, rec)
	}

	if len(clean) == 0 {
		return fmt.Errorf("all %d records dropped during cleaning", len(t.pipe.Records))
	}

	t.pipe.Clean = clean
	if err := t.pipe.checkpoint(); err != nil {
		return err
	}

	t.logger.Info("transform completed",
		"workflow", t.pipe.WorkflowName,
		"input_records", len(t.pipe.Records),
		"output_records", len(clean),
		"dropped", dropped,
	)
	return nil
}

func (t *Transform) Compensate(ctx context.Context) error {
	t.pipe.Clean = t.backup
	t.logger.Info("transform compensated", "workflow", t.pipe.WorkflowName)
	return nil
}
