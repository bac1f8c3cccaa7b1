// Package retry implements exponential-backoff-with-jitter retries around
// any fallible operation whose error reports whether it is retryable.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Options configures a Backoff run.
type Options struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration // zero means unbounded
	Jitter       bool
	IsRetryable  Classifier
}

// Backoff re-invokes factory on failures that IsRetryable accepts, up to
// MaxRetries additional attempts, sleeping between attempts per Delay.
// Non-retryable errors propagate immediately on first occurrence.
func Backoff[T any](ctx context.Context, opts Options, factory func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		result, err := factory(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable := true
		if opts.IsRetryable != nil {
			retryable = opts.IsRetryable(err)
		}
		if !retryable || attempt >= opts.MaxRetries {
			return zero, lastErr
		}

		d := Delay(attempt, opts.BaseDelay, opts.MaxDelay, opts.Jitter)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(d):
		}
	}
}

// Delay computes the backoff delay for the given 0-indexed attempt:
// min(base * 2^attempt, max), optionally multiplied by a uniform jitter
// factor in [0.75, 1.25), floored to at least 1ms.
func Delay(attempt int, base, max time.Duration, jitter bool) time.Duration {
	mult := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * mult)
	if max > 0 && d > max {
		d = max
	}
	if jitter {
		factor := 0.75 + rand.Float64()*0.5
		d = time.Duration(float64(d) * factor)
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
