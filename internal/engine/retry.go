package engine

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

// RetryObserver is notified before each backoff wait.
type RetryObserver func(attempt int, err error, delay time.Duration)

// ComputeBackoff returns the delay before retry number attempt+1:
// InitialDelay * BackoffMultiplier^attempt, capped by MaxDelay when set.
// A non-positive multiplier means a constant delay.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.InitialDelay <= 0 {
		return 0
	}
	mult := policy.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}

	raw := float64(policy.InitialDelay) * math.Pow(mult, float64(attempt))
	delay := time.Duration(raw)
	if raw >= math.MaxInt64 {
		delay = time.Duration(math.MaxInt64)
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter && delay > 1 {
		half := delay / 2
		delay = half + rand.N(delay-half+1)
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunWithRetry calls fn up to policy.MaxRetries+1 times. Non-retryable errors
// stop immediately. The last error is returned when attempts run out; a
// context cancelled during backoff returns the context error.
func RunWithRetry(ctx context.Context, policy schema.RetryPolicy, fn func(ctx context.Context, attempt int) error, onRetry RetryObserver) error {
	maxRetries := max(policy.MaxRetries, 0)

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == maxRetries || !schema.IsRetryable(err) {
			break
		}

		delay := ComputeBackoff(policy, attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
	return err
}
