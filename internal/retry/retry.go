// Package retry wraps github.com/cenkalti/backoff/v4 with the retry policy
// spec.md §4.2 mandates for every Super-Facility API call: exponential
// backoff capped at 10s, up to 10 attempts, with a caller-supplied reset
// hook invoked before every retry after the first (the OAuth2 client is
// torn down and rebuilt on each such hook — spec.md §4.2, §5, §7 kind 1).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxAttempts bounds the total number of attempts for a single SFAPI call,
// the first one included (so at most MaxAttempts-1 retries).
const MaxAttempts = 10

// MaxInterval is the exponential backoff cap (spec.md §4.2: "exponential
// backoff capped at 10s").
const MaxInterval = 10 * time.Second

// Permanent marks an error as non-retryable — used for SfApiError (spec.md
// §7 kind 2: "Remote protocol error... do not retry").
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn with exponential backoff, calling onRetry before every attempt
// after the first. onRetry is where callers reset the shared OAuth2 client
// (spec.md: "Before every retry after the first, drop and re-construct the
// OAuth2 client"). If fn's error satisfies errors.As into
// *backoff.PermanentError, or fn returns a Permanent-wrapped error, Do stops
// immediately without further retries.
func Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func()) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	bounded := backoff.WithMaxRetries(b, MaxAttempts-1)
	withCtx := backoff.WithContext(bounded, ctx)

	attempt := 0
	operation := func() error {
		if attempt > 0 && onRetry != nil {
			onRetry()
		}
		attempt++
		err := fn(ctx)
		return err
	}

	err := backoff.Retry(operation, withCtx)
	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return permErr.Unwrap()
		}
		return err
	}
	return nil
}
