// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Extract pulls a JSON array of records from the source endpoint and
// checkpoints them to the pipeline staging file. Compensation discards
// the staged data.
type Extract struct {
	pipe      *Pipeline
	client    *http.Client
	sourceURL string
	logger    *slog.Logger
}

func NewExtract(pipe *Pipeline, client *http.Client, sourceURL string, logger *slog.Logger) *Extract {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Extract{
		pipe:      pipe,
		client:    client,
		sourceURL: sourceURL,
		logger:    logger,
	}
}

func (e *Extract) Name() string { return "extract_data" }

func (e *Extract) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch source data: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source responded %d", resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("decode source payload: %w", err)
	}

	e.pipe.Records = records
	if err := e.pipe.checkpoint(); err != nil {
		return err
	}

	e.logger.Info("extract completed",
		"workflow", e.pipe.WorkflowName,
		"records", len(records),
	)
	return nil
}

func (e *Extract) Compensate(ctx context.Context) error {
	e.pipe.Records = nil
	if err := e.pipe.discard(); err != nil {
		return err
	}

	e.logger.Info("extract compensated", "workflow", e.pipe.WorkflowName)
	return nil
}
