// Package retry centralizes the exponential backoff schedule used for
// transient provider/network errors during sync, distinct from
// httpkit's transport-level retry of connection errors.
package retry

import (
	"context"
	"time"
)

// Schedule is the fixed backoff table for transient provider/network
// failures: 1s, 2s, 4s, 8s, 16s, for up to 5 retry attempts.
var Schedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Retryable is satisfied by errors that know whether a retry is
// worthwhile, such as provider.Error.
type Retryable interface {
	Retryable() bool
}

// Do calls fn, retrying on Schedule's delays as long as the returned
// error reports Retryable() == true. A nil or non-retryable error
// returns immediately. Returns the last error after the schedule is
// exhausted.
func Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var r Retryable
		if !asRetryable(err, &r) || !r.Retryable() {
			return err
		}

		if attempt >= len(Schedule) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Schedule[attempt]):
		}
	}
}

// asRetryable walks err's Unwrap chain looking for a Retryable.
func asRetryable(err error, target *Retryable) bool {
	for err != nil {
		if r, ok := err.(Retryable); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
