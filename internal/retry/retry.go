package retry

import (
	"context"
	"errors"
	"time"
)

// Permanent wraps an error that must not be retried (auth failures,
// malformed requests). Do stops immediately when it sees one.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// IsPermanent reports whether err carries a Permanent marker anywhere in
// its chain.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// Sleep blocks for d or until ctx is done, whichever comes first.
// Deadlines must be able to terminate long retry loops, so all backoff
// waits go through here instead of time.Sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn up to attempts times with exponential backoff between tries
// (base, 2*base, 4*base, ...). It returns nil on the first success, the
// wrapped error immediately on a Permanent failure, and the last error once
// attempts are exhausted.
func Do(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			delay := base << uint(attempt)
			if err := Sleep(ctx, delay); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// DoFixed is Do with a constant interval between tries, for callers waiting
// on external finality rather than backing off a flaky peer.
func DoFixed(ctx context.Context, attempts int, interval time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			if err := Sleep(ctx, interval); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}
