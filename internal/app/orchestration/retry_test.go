package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/domain/batch"
)

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return batch.NewTransientError("THROTTLED", errors.New("throttled"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	cause := batch.NewTransientError("TIMEOUT", errors.New("deadline"))
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var transient *batch.TransientError
	assert.ErrorAs(t, err, &transient)
}

func TestRetryPolicy_StopsOnNonRetryableError(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return batch.ErrMalformedInput
	})

	assert.ErrorIs(t, err, batch.ErrMalformedInput)
	assert.Equal(t, 1, attempts, "non-retryable failures must not be re-attempted")
}

func TestRetryPolicy_LockContentionIsRetryable(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return batch.ErrLockDenied
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_HonorsContextCancellation(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 100, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	err := policy.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return batch.ErrLockDenied
	})

	require.Error(t, err)
	assert.Less(t, attempts, 100)
}

func TestRetryPolicy_SingleAttempt(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	attempts := 0
	err := policy.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return batch.ErrLockDenied
	})

	assert.ErrorIs(t, err, batch.ErrLockDenied)
	assert.Equal(t, 1, attempts)
}
