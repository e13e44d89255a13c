// Package retry provides a small bounded-backoff helper for calls to
// flaky upstreams.
package retry

import (
	"context"
	"time"
)

// Do invokes fn up to attempts times, sleeping delay between failures and
// doubling it each round. It returns nil on the first success, the last
// error otherwise. Context cancellation aborts between attempts.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
