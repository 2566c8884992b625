// Package poll provides a bounded, context-aware polling loop.
package poll

import (
	"context"
	"fmt"
	"time"
)

// Check reports whether the awaited condition holds. A non-nil error stops
// polling immediately and is returned to the caller.
type Check func(ctx context.Context) (bool, error)

// Until evaluates check every interval until it reports true, returns an
// error, or timeout elapses. It reports true on success and false on timeout.
// The check runs at least once even when timeout is zero.
func Until(ctx context.Context, check Check, timeout, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := check(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("poll: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
