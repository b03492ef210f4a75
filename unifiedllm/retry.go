package unifiedllm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds how often and how patiently a failed call is repeated.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration // 0 = uncapped
	Multiplier float64
	Jitter     bool
	// OnRetry is called before each wait with the failure and the 1-based
	// retry number.
	OnRetry func(err error, retry int, delay time.Duration)
}

// DefaultRetryPolicy allows two retries starting at one second and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Backoff returns the wait before retry n, counting from 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= m
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// delayFor picks the wait before retry n. A provider Retry-After wins over
// the computed backoff; ok is false when it exceeds MaxDelay.
func (p RetryPolicy) delayFor(err error, n int) (d time.Duration, ok bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		if p.MaxDelay > 0 && e.RetryAfter > p.MaxDelay {
			return 0, false
		}
		return e.RetryAfter, true
	}
	return p.Backoff(n), true
}

// Retry calls fn until it succeeds, fails permanently, or the policy runs
// out of retries. The last failure is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for n := 0; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if n >= p.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
		delay, ok := p.delayFor(err, n+1)
		if !ok {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(err, n+1, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, &Error{Class: ClassAborted, Message: "cancelled while waiting to retry", Err: ctx.Err()}
		case <-t.C:
		}
	}
}
