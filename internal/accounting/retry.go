package accounting

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/basket/skillmeter/internal/store"
)

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxDelay    = 1 * time.Second
)

// recoverable reports whether an error is worth retrying: a lock conflict
// past the busy timeout, or a pool acquire timeout. Budget denials are data,
// not errors, and everything else surfaces as is.
func recoverable(err error) bool {
	return errors.Is(err, store.ErrTxConflict) || errors.Is(err, store.ErrConnTimeout)
}

// withRetry re-runs the whole logical operation from scratch on recoverable
// errors, with exponential backoff and bounded jitter. This is the single
// place retries happen; the components below never retry internally, so
// their transaction boundaries stay inspectable.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !recoverable(err) {
			return err
		}
		if attempt == retryMaxAttempts-1 {
			return err
		}
		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
