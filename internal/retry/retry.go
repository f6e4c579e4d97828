// retry/retry.go
package retry

import (
	"context"
	"time"

	"github.com/eGGnogSC/invoicesync/internal/apperr"
)

// Policy controls how many times a remote call is attempted and how long to
// wait between attempts. The delay doubles after each failed attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable reports whether err is worth another attempt. Nil means Transient.
	Retryable func(error) bool
	// Sleep waits for d or until ctx is done. Nil means a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default is three attempts with 1s, 2s backoff.
func Default() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: time.Second,
		MaxDelay:  8 * time.Second,
	}
}

// Transient reports whether err is a network failure, throttling or a 5xx.
func Transient(err error) bool {
	return apperr.KindOf(err) == apperr.RemoteUnavailable
}

// Provisioning extends Transient with the not-found-right-after-create race a
// freshly uploaded workbook goes through.
func Provisioning(err error) bool {
	return Transient(err) || apperr.KindOf(err) == apperr.NotFound
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) {
			return err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

// NoSleep is a Sleep that only honours cancellation. Tests use it.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func timerSleep(ctx context.Context, d time.Duration) error {
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
