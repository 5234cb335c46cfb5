// Package retry runs an operation repeatedly with a fixed interval until it
// succeeds or a maximum duration elapses, returning the last observed error.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// DefaultInterval is the pause between attempts when the policy sets none.
const DefaultInterval = 100 * time.Millisecond

// Policy bounds a retry loop.
type Policy struct {
	// MaxDuration is the overall time budget; zero or less means a single attempt.
	MaxDuration time.Duration
	// Interval is the fixed pause between attempts.
	Interval time.Duration
}

// permanentError stops the loop right away.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// Do calls fn until it returns nil, a Permanent error, the context is done or
// the policy budget is spent. In the last case the error of the final attempt
// is returned.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	interval := policy.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	if policy.MaxDuration <= 0 {
		return unwrapPermanent(fn(ctx))
	}

	backoff := withinBudget(time.Now(), policy.MaxDuration, goretry.NewConstant(interval))

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return err
		}

		return goretry.RetryableError(err)
	})

	return unwrapPermanent(err)
}

// withinBudget stops next once the following attempt would start at or after
// start+budget. goretry.WithMaxDuration shortens the last pause instead and
// makes one more attempt at the deadline.
func withinBudget(start time.Time, budget time.Duration, next goretry.Backoff) goretry.Backoff {
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		pause, stop := next.Next()
		if stop || time.Since(start)+pause >= budget {
			return 0, true
		}

		return pause, false
	})
}

func unwrapPermanent(err error) error {
	var permanent *permanentError
	if errors.As(err, &permanent) {
		return permanent.err
	}

	return err
}
