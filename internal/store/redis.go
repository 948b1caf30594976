// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/dataflow/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const stateTxRetries = 5

// Redis implements the store contracts on a Redis client. State lives
// as a JSON value merged under WATCH so concurrent writers retry rather
// than overwrite each other, history is a list (newest first), and the
// lock is SET NX with the TTL as expiry.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{
		client: client,
		logger: logger,
	}
}

func stateKey(name string) string   { return "dataflow:state:" + name }
func historyKey(name string) string { return "dataflow:history:" + name }
func lockKey(name string) string    { return "dataflow:lock:" + name }
func reportKey(id uuid.UUID) string { return "dataflow:report:" + id.String() }

func (r *Redis) GetState(ctx context.Context, workflowName string) (domain.WorkflowRun, error) {
	raw, err := r.client.Get(ctx, stateKey(workflowName)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.NewWorkflowRun(workflowName), nil
	}
	if err != nil {
		r.logger.Error("get state failed", "workflow", workflowName, "error", err)
		return domain.WorkflowRun{}, err
	}

	var run domain.WorkflowRun
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return domain.WorkflowRun{}, fmt.Errorf("decode state for %s: %w", workflowName, err)
	}
	return run, nil
}

func (r *Redis) UpdateState(ctx context.Context, workflowName string, update domain.StateUpdate) error {
	key := stateKey(workflowName)

	merge := func(tx *redis.Tx) error {
		run := domain.NewWorkflowRun(workflowName)

		raw, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			if err := json.Unmarshal([]byte(raw), &run); err != nil {
				return fmt.Errorf("decode state for %s: %w", workflowName, err)
			}
		}

		run = update.Apply(run, time.Now().UTC())

		payload, err := json.Marshal(run)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < stateTxRetries; attempt++ {
		err := r.client.Watch(ctx, merge, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			r.logger.Error("update state failed", "workflow", workflowName, "error", err)
		}
		return err
	}

	return fmt.Errorf("update state for %s: transaction conflicts exhausted", workflowName)
}

func (r *Redis) Append(ctx context.Context, entry domain.HistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	if err := r.client.LPush(ctx, historyKey(entry.WorkflowName), payload).Err(); err != nil {
		r.logger.Error("append history failed",
			"workflow", entry.WorkflowName,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Redis) List(ctx context.Context, workflowName string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	raw, err := r.client.LRange(ctx, historyKey(workflowName), 0, int64(limit-1)).Result()
	if err != nil {
		r.logger.Error("list history failed", "workflow", workflowName, "error", err)
		return nil, err
	}

	out := make([]domain.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry domain.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *Redis) Acquire(ctx context.Context, workflowName string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, lockKey(workflowName), "locked", ttl).Result()
	if err != nil {
		r.logger.Error("acquire lock failed", "workflow", workflowName, "error", err)
		return err
	}
	if !ok {
		return domain.ErrRunInProgress
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, workflowName string) error {
	if err := r.client.Del(ctx, lockKey(workflowName)).Err(); err != nil {
		r.logger.Error("release lock failed", "workflow", workflowName, "error", err)
		return err
	}
	return nil
}

func (r *Redis) StoreReport(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if err := r.client.Set(ctx, reportKey(report.ID), payload, 0).Err(); err != nil {
		r.logger.Error("store report failed",
			"workflow", report.WorkflowName,
			"report_id", report.ID,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Redis) DeleteReport(ctx context.Context, id uuid.UUID) error {
	if err := r.client.Del(ctx, reportKey(id)).Err(); err != nil {
		r.logger.Error("delete report failed", "report_id", id, "error", err)
		return err
	}
	return nil
}
