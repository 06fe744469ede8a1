package settlement

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how settlement calls are retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// delay returns the exponential backoff before attempt n (n >= 1).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// errPermanent marks an error that must not be retried.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// permanent wraps err so retry gives up immediately.
func permanent(err error) error {
	return errPermanent{err: err}
}

// retry runs op until it succeeds, returns a permanent error, the context
// ends, or the attempts are used up. The last error is returned.
func retry(ctx context.Context, p RetryPolicy, sleep func(context.Context, time.Duration) error, op func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for n := 1; n <= attempts; n++ {
		if err = op(n); err == nil {
			return nil
		}
		var perm errPermanent
		if errors.As(err, &perm) {
			return perm.err
		}
		if n == attempts {
			break
		}
		if serr := sleep(ctx, p.delay(n)); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
