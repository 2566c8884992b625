// Package retry implements the bounded backoff shell around fetch operations.
package retry

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/portal-bulletin-watcher/internal/bulletin"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/metrics"
	"github.com/JakeFAU/portal-bulletin-watcher/internal/telemetry"
)

// Policy bounds the attempts of one operation. The sleep before attempt n+1
// is uniform(Min, Max) scaled by n, so later waits are never shorter in expectation.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
}

// DefaultPolicy returns three attempts with 1s to 3s base sleeps.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Min: time.Second, Max: 3 * time.Second}
}

// Backoff returns the sleep taken after failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return Uniform(p.Min, p.Max) * time.Duration(attempt)
}

// Uniform returns a random duration in [lo, hi).
func Uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)))
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}

// Sleeper waits for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the default Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner applies a Policy to operations.
type Runner struct {
	Policy Policy
	Sleep  Sleeper
	Logger *zap.Logger
}

// Do runs fn until it returns a non-transient outcome or attempts run out.
// AuthExpired, NotFound and Fatal outcomes return immediately. Exhaustion
// returns the last transient outcome.
func Do[T any](ctx context.Context, r Runner, op string, fn func(ctx context.Context) bulletin.Outcome[T]) bulletin.Outcome[T] {
	attempts := r.Policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var last bulletin.Outcome[T]
	for attempt := 1; attempt <= attempts; attempt++ {
		last = runAttempt(ctx, op, attempt, fn)
		metrics.ObserveFetchAttempt(op, last.Kind.String())
		if last.Kind != bulletin.KindTransient {
			return last
		}
		if attempt == attempts {
			break
		}
		wait := r.Policy.Backoff(attempt)
		logger.Warn("transient failure, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("reason", last.Reason),
			zap.Error(last.Err),
		)
		metrics.ObserveBackoff(wait)
		if err := sleep(ctx, wait); err != nil {
			return bulletin.Transient[T]("cancelled during backoff", err)
		}
	}
	logger.Warn("retries exhausted", zap.String("op", op), zap.Int("attempts", attempts), zap.String("reason", last.Reason))
	return last
}

// runAttempt runs one attempt inside its own span.
func runAttempt[T any](ctx context.Context, op string, attempt int, fn func(ctx context.Context) bulletin.Outcome[T]) bulletin.Outcome[T] {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch."+op, trace.WithAttributes(attribute.Int("attempt", attempt)))
	out := fn(ctx)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	telemetry.End(span, out.Error())
	return out
}
