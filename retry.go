package conductor

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 60 * time.Second
)

// backoffDelay returns the sleep before retry attempt retry (0-indexed).
// Retry 0 has zero delay; later retries grow exponentially with up to 50%
// random jitter, capped at max.
func backoffDelay(retry int, base, max time.Duration) time.Duration {
	if retry <= 0 {
		return 0
	}
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max <= 0 {
		max = defaultBackoffMax
	}
	shift := retry
	if shift > 20 {
		shift = 20
	}
	exp := base * (1 << shift)
	if exp <= 0 || exp > max {
		return max
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	if exp+jitter > max {
		return max
	}
	return exp + jitter
}

// retryDelay computes the delay before retry attempt retry, using
// exponential backoff as a floor and the server's Retry-After value (if
// present on err) as a minimum.
func retryDelay(retry int, base, max time.Duration, err error) time.Duration {
	delay := backoffDelay(retry, base, max)
	if ra := retryAfterOf(err); ra > delay {
		return ra
	}
	return delay
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
