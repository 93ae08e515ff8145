// Package retry runs an operation up to a bounded number of attempts with
// capped exponential backoff between them.
//
// Attempt n (1-based) that fails waits min(BaseDelay*2^(n-1), MaxDelay)
// before attempt n+1. With Jitter enabled the wait is drawn from
// [min(BaseDelay*2^(n-1), MaxDelay), min(BaseDelay*2^n, MaxDelay)], so
// consecutive waits never decrease and never exceed MaxDelay.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds the number of attempts and the wait between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultPolicy returns three attempts with 1s base and 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Once is a policy that performs a single attempt.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Delay returns the deterministic wait after failed attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.bound(attempt - 1)
}

// bound returns min(BaseDelay*2^exp, MaxDelay) without overflowing.
func (p Policy) bound(exp int) time.Duration {
	if p.BaseDelay <= 0 || exp < 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < exp; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryHook observes a failed attempt before the wait that follows it.
type RetryHook func(attempt int, err error, wait time.Duration)

type executor struct {
	sleep   SleepFunc
	onRetry RetryHook
	rand    func() float64
}

// Option customizes a single Do call.
type Option func(*executor)

// WithSleep replaces the wait between attempts. Tests use it to record
// delays without sleeping.
func WithSleep(fn SleepFunc) Option {
	return func(e *executor) { e.sleep = fn }
}

// WithOnRetry registers a hook called after each failed attempt that will
// be retried.
func WithOnRetry(fn RetryHook) Option {
	return func(e *executor) { e.onRetry = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *executor) { e.rand = fn }
}

func sleepContext(ctx context.Context, d time.Duration) error {
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

// Do calls fn until it succeeds, returns a permanent error, or the policy's
// attempts are exhausted. The last error is returned unchanged. If ctx is
// cancelled during a wait, Do returns ctx.Err() joined with the last error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, opts ...Option) error {
	_, err := DoValue(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), opts ...Option) (T, error) {
	e := executor{sleep: sleepContext, rand: rand.Float64}
	for _, opt := range opts {
		opt(&e)
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	maxAttempts := p.attempts()
	var lastErr error
	var prevWait time.Duration
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := fn(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if IsPermanent(err) || attempt == maxAttempts {
			break
		}

		// Waits never shrink, even after a longer server hint.
		wait := max(e.delay(p, attempt, err), prevWait)
		prevWait = wait
		if e.onRetry != nil {
			e.onRetry(attempt, err, wait)
		}
		if serr := e.sleep(ctx, wait); serr != nil {
			return zero, errors.Join(serr, lastErr)
		}
	}
	return zero, lastErr
}

func (e *executor) delay(p Policy, attempt int, err error) time.Duration {
	lo := p.bound(attempt - 1)
	wait := lo
	if p.Jitter {
		hi := p.bound(attempt)
		if hi > lo {
			wait = lo + time.Duration(e.rand()*float64(hi-lo))
		}
	}
	// A server-provided hint can lengthen the wait but never past MaxDelay.
	if hint, ok := afterHint(err); ok && hint > wait {
		wait = hint
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
	}
	return wait
}
