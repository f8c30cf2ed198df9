/*
unitofwork.go - Retrying runner for atomic units of work

PURPOSE:
  Every mutating ledger operation runs as ONE storage transaction. When the
  store reports a lost race (ErrConflict: serialization failure, deadlock,
  lock timeout, busy database) the whole unit is re-run from the beginning.
  Business failures (validation, balance, state machine) are returned as-is
  on the first attempt and are never retried.

RETRY POLICY:
  Exponential backoff between attempts, bounded by MaxAttempts. When the
  last attempt still conflicts, the caller receives ErrConflictRetryExhausted
  (never the raw ErrConflict).

EXAMPLE:
  tx, err := generic.RunAtomic(ctx, policy, func(ctx context.Context) (Transaction, error) {
      var out Transaction
      err := store.WithTx(ctx, func(tx Tx) error { ...; return nil })
      return out, err
  })

SEE ALSO:
  - errors.go: ErrConflict / ErrConflictRetryExhausted
  - loyalty/ledger.go: Uses RunAtomic for every write
*/
package generic

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a conflicting unit of work is re-run.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnRetry is called before each re-run with the conflict that caused it.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy retries up to five times starting at 10ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// RunAtomic runs unit, re-running it while it fails with ErrConflict.
func RunAtomic[T any](ctx context.Context, p RetryPolicy, unit func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxAttempts),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := unit(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)

	if err != nil && IsRetryable(err) {
		var zero T
		return zero, fmt.Errorf("%w after %d attempts: %v", ErrConflictRetryExhausted, p.MaxAttempts, err)
	}
	return res, err
}
