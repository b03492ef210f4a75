package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retries []int
	policy := fastPolicy(3)
	policy.OnRetry = func(_ error, n int, _ time.Duration) { retries = append(retries, n) }

	got, err := Retry(context.Background(), policy, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", StatusError("p", 503, "busy")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetryReturnsLastFailure(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, StatusError("p", 500, "boom")
	})
	assert.Equal(t, ClassServer, ClassOf(err))
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, StatusError("p", 401, "bad key")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryAfter(t *testing.T) {
	t.Run("within max delay", func(t *testing.T) {
		var waited time.Duration
		policy := fastPolicy(1)
		policy.OnRetry = func(_ error, _ int, d time.Duration) { waited = d }
		calls := 0
		_, err := Retry(context.Background(), policy, func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, &Error{Class: ClassRateLimit, RetryAfter: 5 * time.Millisecond}
			}
			return 1, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 5*time.Millisecond, waited)
	})

	t.Run("beyond max delay gives up", func(t *testing.T) {
		calls := 0
		_, err := Retry(context.Background(), fastPolicy(3), func(context.Context) (int, error) {
			calls++
			return 0, &Error{Class: ClassRateLimit, RetryAfter: 2 * time.Minute}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Second, Multiplier: 1}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Retry(ctx, policy, func(context.Context) (int, error) { return 0, StatusError("p", 500, "boom") })
	assert.Equal(t, ClassAborted, ClassOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(40))

	flat := RetryPolicy{BaseDelay: time.Second}
	assert.Equal(t, time.Second, flat.Backoff(3))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		d := p.Backoff(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
