// Package retry provides the shared retry/backoff policy used by order
// placement, protective placement, and rollback cancellation. Factoring the
// policy out keeps every call site on the same attempt accounting instead of
// each growing its own slightly-different loop.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy describes how an operation is retried: attempt budget, exponential
// backoff schedule, and the predicate deciding whether an error is worth
// another attempt. A timeout consumes a retry slot like any other transient
// failure.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool

	// Sleep is overridable in tests; nil means a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a policy with the given budget and schedule using pred to
// classify retryable errors.
func New(maxAttempts int, base, max time.Duration, pred func(error) bool) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		Retryable:   pred,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. The returned error wraps the last failure
// with the attempt count for audit logging.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy has no attempt budget")
	}
	b := &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: false, // deterministic schedule, required for replay determinism
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, b.Duration()); err != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
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
