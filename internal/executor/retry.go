package executor

import (
	"context"
	"fmt"
	"time"
)

// Attempt is one invocation of a retried operation. It reports whether
// the attempt succeeded; err is reserved for failures that must not be
// retried (cancellation, unresolvable credentials).
type Attempt func(ctx context.Context) (ok bool, err error)

// Retry invokes fn up to retries+1 times, stopping at the first
// success. A retries value of 0 means exactly one attempt. The delay
// between attempts is context-aware; backoff multiplies it after each
// failure when greater than 1. It returns the number of attempts made
// and whether the final attempt succeeded.
func Retry(ctx context.Context, retries int, delay time.Duration, backoff float64, fn Attempt) (attempts int, ok bool, err error) {
	if retries < 0 {
		retries = 0
	}
	wait := delay

	for attempt := 1; attempt <= retries+1; attempt++ {
		attempts = attempt
		ok, err = fn(ctx)
		if err != nil || ok {
			return attempts, ok, err
		}
		if attempt == retries+1 {
			break
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return attempts, false, fmt.Errorf("cancelled between retry attempts: %w", ctx.Err())
			case <-time.After(wait):
			}
			if backoff > 1 {
				wait = time.Duration(float64(wait) * backoff)
			}
		} else if ctx.Err() != nil {
			return attempts, false, fmt.Errorf("cancelled between retry attempts: %w", ctx.Err())
		}
	}
	return attempts, false, nil
}
