package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool builds a connection pool for the PostgreSQL database at dsn.
// statementTimeout is installed as a per-connection runtime parameter so a
// wedged statement cannot hold a claimed chunk's row lock forever; zero
// disables it.
//
// Connections are opened lazily, so NewPool succeeds even while the database
// is still booting. Callers pick their own readiness policy: the ingest
// service pings once and fails fast, the worker retries with [WaitReady].
// The caller owns the pool and must Close it.
func NewPool(ctx context.Context, dsn string, statementTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	if statementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", statementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	return pool, nil
}

// WaitReady pings the database until it responds, a fixed number of attempts
// apart, so the worker can start before the database (or the ingest service's
// migrations) is up. Returns the last ping error when every attempt fails.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, attempts int, delay time.Duration) error {
	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = pool.Ping(ctx)
		if lastErr == nil {
			return nil
		}
		slog.Warn("database not ready", "attempt", i, "attempts", attempts, "err", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("store: database not ready after %d attempts: %w", attempts, lastErr)
}
