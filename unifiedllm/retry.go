package unifiedllm

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy retries retryable provider errors with exponential backoff.
// A RateLimitError carrying Retry-After waits that long instead, unless it
// exceeds MaxDelay, in which case the error is returned at once.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool // scale each delay by a random factor in [0.5, 1.5)

	// OnRetry is called before sleeping; attempt starts at 1.
	OnRetry func(err error, attempt int, delay time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay is the backoff before retry n (0-indexed).
func (p RetryPolicy) Delay(n int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < n && (p.MaxDelay <= 0 || delay < float64(p.MaxDelay)); i++ {
		delay *= p.Multiplier
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// retryAfter returns the server-requested delay and whether it fits the
// policy.
func (p RetryPolicy) retryAfter(err error) (time.Duration, bool, bool) {
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter == nil {
		return 0, false, true
	}
	d := time.Duration(*rl.RetryAfter * float64(time.Second))
	return d, true, p.MaxDelay <= 0 || d <= p.MaxDelay
}

// Retry calls fn until it succeeds, fails with a non-retryable error or the
// retries run out. The last error is returned unchanged.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil || attempt >= policy.MaxRetries || !IsRetryable(err) {
			return result, err
		}

		delay := policy.Delay(attempt)
		if d, ok, fits := policy.retryAfter(err); !fits {
			return result, err
		} else if ok {
			delay = d
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}

// RetryStreamMiddleware retries opening a stream when the provider fails
// before the first event. Errors delivered inside an open stream are never
// retried here; they belong to the consumer.
func RetryStreamMiddleware(policy RetryPolicy) StreamMiddleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		return Retry(ctx, policy, func(ctx context.Context) (<-chan StreamEvent, error) {
			return next(ctx, req)
		})
	}
}

// RetryMiddleware is the blocking counterpart of RetryStreamMiddleware.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
			return next(ctx, req)
		})
	}
}
