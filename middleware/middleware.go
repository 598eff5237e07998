// Package middleware provides common middleware implementations for the cspool package.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/go-pkgz/cspool"
	"github.com/go-pkgz/cspool/metrics"
)

// Retry returns a middleware calling the worker up to maxAttempts times for an item till it succeeds.
// Errors marked by Permanent are not retried. Every repeated call is counted as
// metrics.CountRetries in the pool metrics.
// baseDelay is used as the initial delay between retries, and each subsequent retry
// increases the delay exponentially (baseDelay * 2^attempt) with some random jitter.
func Retry[T, R any](maxAttempts int, baseDelay time.Duration) cspool.Middleware[T, R] {
	if maxAttempts <= 0 {
		maxAttempts = 3 // default to 3 attempts
	}
	if baseDelay <= 0 {
		baseDelay = time.Second // default to 1 second
	}

	return func(next cspool.Worker[T, R]) cspool.Worker[T, R] {
		return cspool.WorkerFunc[T, R](func(ctx context.Context, v T) (R, error) {
			res, err := next.Do(ctx, v)
			for attempt := 1; err != nil && attempt < maxAttempts; attempt++ {
				if IsPermanent(err) {
					return res, err
				}
				if werr := backoff(ctx, baseDelay, attempt); werr != nil {
					return res, werr
				}
				metrics.Get(ctx).Inc(metrics.CountRetries)
				res, err = next.Do(ctx, v)
			}
			if err != nil && !IsPermanent(err) {
				return res, fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
			}
			return res, err
		})
	}
}

// backoff sleeps before the given attempt, baseDelay * 2^(attempt-1) plus up to 20% jitter.
// Returns ctx error if ctx is done first.
func backoff(ctx context.Context, baseDelay time.Duration, attempt int) error {
	delay := baseDelay * time.Duration(1<<uint(attempt-1))        //nolint:gosec // won't overflow, not that many attempts
	delay += time.Duration(float64(delay) * 0.2 * rand.Float64()) //nolint:gosec // not for security
	tm := time.NewTimer(delay)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

// Permanent marks err as not worth retrying, Retry returns it at once.
// The error message and wrapped chain are kept as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err or any error it wraps is marked by Permanent
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Timeout returns a middleware limiting each worker call to the given duration.
// The worker is expected to respect the context. A call cut by this timeout, and not
// by the pool context, fails with an error wrapping context.DeadlineExceeded.
func Timeout[T, R any](timeout time.Duration) cspool.Middleware[T, R] {
	if timeout <= 0 {
		timeout = time.Minute // default to 1 minute
	}

	return func(next cspool.Worker[T, R]) cspool.Worker[T, R] {
		return cspool.WorkerFunc[T, R](func(ctx context.Context, v T) (R, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			res, err := next.Do(callCtx, v)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return res, fmt.Errorf("worker %d timed out after %v: %w", metrics.WorkerID(ctx), timeout, err)
			}
			return res, err
		})
	}
}

// Validator returns a middleware checking every value before the worker is called.
// Invalid values fail with a permanent error, never retried by Retry.
func Validator[T, R any](validator func(T) error) cspool.Middleware[T, R] {
	return func(next cspool.Worker[T, R]) cspool.Worker[T, R] {
		return cspool.WorkerFunc[T, R](func(ctx context.Context, v T) (R, error) {
			if err := validator(v); err != nil {
				var zero R
				return zero, Permanent(fmt.Errorf("validation failed: %w", err))
			}
			return next.Do(ctx, v)
		})
	}
}

// RateLimit returns a middleware limiting the rate of operations across all workers
// to rps per second with the given burst. The wait respects context cancellation.
func RateLimit[T, R any](rps float64, burst int) cspool.Middleware[T, R] {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next cspool.Worker[T, R]) cspool.Worker[T, R] {
		return cspool.WorkerFunc[T, R](func(ctx context.Context, v T) (R, error) {
			if err := limiter.Wait(ctx); err != nil {
				var zero R
				return zero, fmt.Errorf("rate limit: %w", err)
			}
			return next.Do(ctx, v)
		})
	}
}

// Logger returns a middleware logging every operation with its duration and error, if any.
func Logger[T, R any](logger *slog.Logger) cspool.Middleware[T, R] {
	return func(next cspool.Worker[T, R]) cspool.Worker[T, R] {
		return cspool.WorkerFunc[T, R](func(ctx context.Context, v T) (R, error) {
			st := time.Now()
			res, err := next.Do(ctx, v)
			if err != nil {
				logger.WarnContext(ctx, "item failed", "worker", metrics.WorkerID(ctx), "item", v, "duration", time.Since(st), "error", err)
				return res, err
			}
			logger.DebugContext(ctx, "item processed", "worker", metrics.WorkerID(ctx), "item", v, "duration", time.Since(st))
			return res, nil
		})
	}
}
