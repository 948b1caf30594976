// SPDX-License-Identifier: Apache-2.0

// Package steps holds the business steps of the daily analysis
// workflow: extract, transform, analyze, store. Step instances of one
// workflow share a Pipeline and run strictly in sequence, so the
// blackboard needs no locking.
package steps

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/adiadia/dataflow/internal/saga"
	"github.com/adiadia/dataflow/internal/store"
)

// Record is one raw data point pulled from the source.
type Record struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Pipeline is the shared state flowing through one workflow attempt.
// Every step checkpoints it to a staging file after finishing, so a
// resumed run in a fresh process can pick up the intermediate data of
// steps it must not re-execute.
type Pipeline struct {
	WorkflowName string

	Records []Record  `json:"records,omitempty"` // extract output
	Clean   []Record  `json:"clean,omitempty"`   // transform output
	Report  *Analysis `json:"report,omitempty"`  // analyze output

	stagingPath string
}

func newPipeline(workflowName string) *Pipeline {
	return &Pipeline{
		WorkflowName: workflowName,
		stagingPath:  filepath.Join(os.TempDir(), "dataflow-"+workflowName+".json"),
	}
}

// checkpoint writes the pipeline to the staging file.
func (p *Pipeline) checkpoint() error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pipeline staging: %w", err)
	}
	if err := os.WriteFile(p.stagingPath, payload, 0o600); err != nil {
		return fmt.Errorf("write pipeline staging: %w", err)
	}
	return nil
}

// restore reloads staged data from a previous attempt, if any.
func (p *Pipeline) restore() error {
	payload, err := os.ReadFile(p.stagingPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pipeline staging: %w", err)
	}
	if err := json.Unmarshal(payload, p); err != nil {
		return fmt.Errorf("decode pipeline staging: %w", err)
	}
	return nil
}

// discard removes the staging file.
func (p *Pipeline) discard() error {
	if err := os.Remove(p.stagingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pipeline staging: %w", err)
	}
	return nil
}

// DailyAnalysis assembles the ordered step sequence of the daily data
// analysis workflow around a fresh pipeline.
func DailyAnalysis(workflowName, sourceURL string, client *http.Client, sink store.ResultSink, logger *slog.Logger) []saga.Step {
	if logger == nil {
		logger = slog.Default()
	}

	pipe := newPipeline(workflowName)

	return []saga.Step{
		NewExtract(pipe, client, sourceURL, logger),
		NewTransform(pipe, logger),
		NewAnalyze(pipe, logger),
		NewStoreReport(pipe, sink, logger),
	}
}
