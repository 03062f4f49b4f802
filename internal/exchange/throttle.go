package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle spaces upstream calls at least interval apart across every
// goroutine sharing it, and optionally caps the number of calls per minute.
// Its state sits behind a one-slot channel so waiters can give up on
// context cancellation while queued.
type Throttle struct {
	interval time.Duration
	budget   *rate.Limiter

	slot      chan struct{}
	last      time.Time
	notBefore time.Time
}

// NewThrottle builds a throttle. perMinute <= 0 disables the per-minute budget.
func NewThrottle(interval time.Duration, perMinute int) *Throttle {
	t := &Throttle{
		interval: interval,
		slot:     make(chan struct{}, 1),
	}
	if perMinute > 0 {
		burst := perMinute / 10
		if burst < 1 {
			burst = 1
		}
		t.budget = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	}
	return t
}

func (t *Throttle) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

func (t *Throttle) acquire(ctx context.Context) error {
	select {
	case t.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Throttle) release() { <-t.slot }

// Wait blocks until one call may be issued and returns the release instant.
// Consecutive release instants are at least interval apart.
func (t *Throttle) Wait(ctx context.Context) (time.Time, error) {
	if t == nil {
		return time.Now(), nil
	}
	if err := t.acquire(ctx); err != nil {
		return time.Time{}, err
	}
	defer t.release()

	if t.budget != nil {
		if err := t.budget.Wait(ctx); err != nil {
			return time.Time{}, err
		}
	}
	for {
		next := t.notBefore
		if !t.last.IsZero() && t.interval > 0 {
			if spaced := t.last.Add(t.interval); spaced.After(next) {
				next = spaced
			}
		}
		wait := time.Until(next)
		if wait <= 0 {
			break
		}
		if !sleepWithContext(ctx, wait) {
			return time.Time{}, ctx.Err()
		}
	}
	now := time.Now()
	t.last = now
	return now, nil
}

// Defer pushes the next release at least d into the future, for every
// caller. Used when the exchange answers with a Retry-After.
func (t *Throttle) Defer(ctx context.Context, d time.Duration) error {
	if t == nil || d <= 0 {
		return nil
	}
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()
	if until := time.Now().Add(d); until.After(t.notBefore) {
		t.notBefore = until
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
