// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/dataflow/internal/persistence/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Options struct {
	Backend     string
	DatabaseURL string
	RedisAddr   string
	Logger      *slog.Logger
}

// Bundle is the set of store contracts one backend provides, opened
// together so the binaries share a single wiring path.
type Bundle struct {
	States  StateStore
	History HistoryLog
	Locker  Locker
	Results ResultSink

	// Pool is non-nil only for the postgres backend, exposed for
	// schema bootstrap and readiness checks.
	Pool *pgxpool.Pool

	closeFunc func()
}

func (b *Bundle) Close() {
	if b.closeFunc != nil {
		b.closeFunc()
	}
}

func Open(ctx context.Context, opts Options) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendMemory, "":
		mem := NewMemory()
		return &Bundle{
			States:  mem,
			History: mem,
			Locker:  mem,
			Results: mem,
		}, nil

	case BackendPostgres:
		pool, err := postgres.NewPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		pg := NewPostgres(pool, logger)
		return &Bundle{
			States:    pg,
			History:   pg,
			Locker:    pg,
			Results:   pg,
			Pool:      pool,
			closeFunc: pool.Close,
		}, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open redis store: %w", err)
		}

		rd := NewRedis(client, logger)
		return &Bundle{
			States:    rd,
			History:   rd,
			Locker:    rd,
			Results:   rd,
			closeFunc: func() { _ = client.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
