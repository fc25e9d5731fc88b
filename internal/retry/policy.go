// Package retry retries transient upstream failures with exponential backoff
// and jitter.
package retry

import (
	"context"
	"quantumjobs/internal/apperrors"
	"quantumjobs/pkg/backoff"
	"time"
)

// Config for Policy. Zero values use defaults.
type Config struct {
	MaxAttempts int           // total attempts including the first (default: 4)
	Initial     time.Duration // default: 250ms
	Max         time.Duration // default: 5s
	Jitter      float64       // default: 0.2
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.Initial <= 0 {
		c.Initial = 250 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 5 * time.Second
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.2
	}
	return c
}

// Policy decides whether and when to retry. Safe for concurrent use.
type Policy struct {
	maxAttempts int
	backoff     backoff.Config
	retryable   func(error) bool
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a Policy. retryable classifies errors as transient.
func New(cfg Config, retryable func(error) bool) *Policy {
	cfg = cfg.withDefaults()
	return &Policy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff.Config{Initial: cfg.Initial, Max: cfg.Max, Jitter: cfg.Jitter},
		retryable:   retryable,
		sleep:       sleepContext,
	}
}

// Do calls fn until it succeeds, fails non-transiently, or attempts run out.
// It returns the number of retries performed. Non-transient errors are
// returned unchanged; exhaustion returns TransientFailureExhausted wrapping
// the last error.
func (p *Policy) Do(ctx context.Context, op, backend string, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := range p.maxAttempts {
		if attempt > 0 {
			if err := p.sleep(ctx, backoff.WithJitter(attempt, &p.backoff)); err != nil {
				return attempt - 1, err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !p.retryable(lastErr) || ctx.Err() != nil {
			return attempt, lastErr
		}
	}
	return p.maxAttempts - 1, apperrors.TransientFailureExhausted(op, backend, p.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
