package orchestration

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

// RetryPolicy bounds how often and how long a retryable operation is
// re-attempted. Delays grow exponentially with jitter so synchronized
// executions spread out instead of hammering a contended resource in
// lockstep.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, the first included.
	MaxAttempts int

	// InitialInterval is the base delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between attempts regardless of growth.
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Execute runs op, retrying while the failure classifies as retryable and
// attempts remain. Non-retryable failures stop immediately and are returned
// unchanged, so callers can inspect them with errors.Is.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	// WithMaxRetries counts re-attempts after the first and treats zero as
	// unbounded, so a single-attempt policy must not go through it at all.
	if p.MaxAttempts <= 1 {
		return op(ctx)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.InitialInterval
	expBackoff.MaxInterval = p.MaxInterval
	expBackoff.MaxElapsedTime = 0

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !batch.Classify(err).Retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(p.MaxAttempts-1)), ctx))
}
