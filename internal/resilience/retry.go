// Package resilience provides retry helpers for transient failures in the
// audio pipeline — most importantly chunk files that are still being flushed
// to the shared volume when the worker first tries to read them, and a
// database that is not yet accepting connections at process start.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default retry parameters.
const (
	defaultAttempts = 3
	defaultDelay    = 2 * time.Second
	defaultMaxDelay = 30 * time.Second
)

// RetryConfig configures a retry loop.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	// Defaults to 3 if zero.
	Attempts int

	// Delay is the wait before the first retry. It doubles after every
	// failed attempt. Defaults to 2s if zero.
	Delay time.Duration

	// MaxDelay is the upper limit on the per-retry wait. Defaults to 30s
	// if zero.
	MaxDelay time.Duration
}

// withDefaults fills zero fields with the package defaults.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.Delay <= 0 {
		c.Delay = defaultDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	return c
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx is
// cancelled. The wait between attempts starts at cfg.Delay and doubles each
// retry up to cfg.MaxDelay. op names the operation in logs and errors.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	_, err := RetryResult(ctx, cfg, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryResult is the result-carrying variant of [Retry]. It is a package-level
// function because Go does not support method-level type parameters.
func RetryResult[T any](ctx context.Context, cfg RetryConfig, op string, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		zero    T
		lastErr error
		backoff = cfg.Delay
	)
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("resilience: %s: %w", op, err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == cfg.Attempts {
			break
		}

		slog.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("resilience: %s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxDelay {
			backoff = cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("resilience: %s failed after %d attempts: %w", op, cfg.Attempts, lastErr)
}
