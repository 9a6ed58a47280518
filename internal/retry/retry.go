// Package retry wraps a single adapter call in a bounded exponential backoff.
//
// How many attempts an error earns depends on its dberr kind:
//
//   - Connection, Timeout: up to Policy.MaxAttempts attempts in total
//   - Database: two attempts, whatever MaxAttempts says
//   - Validation, Authentication: exactly one attempt
//   - dberr.ErrNotFound: a result, returned after one attempt
//
// The delay before retry n is min(MaxDelay, BaseDelay*2^(n-1) + jitter) with
// jitter drawn from [0, Jitter*BaseDelay*2^(n-1)). Jitter is clamped to
// [0, 1], so successive delays never decrease.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultJitter      = 0.2
)

// databaseAttempts is the fixed budget for KindDatabase failures.
const databaseAttempts = 2

// Policy configures backoff.
type Policy struct {
	MaxAttempts int           // total attempts for Connection and Timeout failures, including the first
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap on any single delay
	Jitter      float64       // fraction of the exponential delay added at random
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Normalize fills zero fields with defaults and clamps out-of-range values.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// AttemptsFor returns the total number of attempts an error of kind k earns.
func (p Policy) AttemptsFor(k dberr.Kind) int {
	switch k {
	case dberr.KindConnection, dberr.KindTimeout:
		return p.MaxAttempts
	case dberr.KindDatabase:
		return databaseAttempts
	default:
		return 1
	}
}

// Delay returns the wait before retry n (n >= 1). r is a uniform sample in
// [0, 1) that scales the jitter.
func (p Policy) Delay(n int, r float64) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := p.BaseDelay
	for i := 1; i < n; i++ {
		if exp >= p.MaxDelay {
			return p.MaxDelay
		}
		exp *= 2
	}
	d := exp + time.Duration(p.Jitter*r*float64(exp))
	return min(d, p.MaxDelay)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc. It returns ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrier applies a Policy. It holds no per-call state and is safe for
// concurrent use as long as the injected functions are.
type Retrier struct {
	policy Policy
	sleep  SleepFunc
	rand   func() float64
	logger *slog.Logger
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithSleep replaces the timer-based sleep (tests record delays with it).
func WithSleep(fn SleepFunc) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(r *Retrier) { r.rand = fn }
}

// WithLogger sets the logger used for retry messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) { r.logger = l }
}

// New creates a Retrier for p (normalized).
func New(p Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy: p.Normalize(),
		sleep:  Sleep,
		rand:   rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget for the error's kind is spent. It returns the number of
// attempts made and the last error, tagged with adapter and op.
//
// Cancellation of ctx stops the sequence immediately, including during a
// backoff sleep; the error is then of kind Timeout.
func (r *Retrier) Do(ctx context.Context, adapter, op string, fn func(ctx context.Context) error) (int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, dberr.Wrap(dberr.KindTimeout, adapter, op, err)
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, dberr.ErrNotFound) {
			return attempt, err
		}

		err = dberr.Tag(adapter, op, err)
		kind, _ := dberr.KindOf(err)

		if ctx.Err() != nil || attempt >= r.policy.AttemptsFor(kind) {
			return attempt, err
		}

		delay := r.policy.Delay(attempt, r.rand())
		r.logger.Warn("retrying operation",
			"adapter", adapter,
			"op", op,
			"attempt", attempt,
			"kind", kind.String(),
			"delay", delay,
			"error", err,
		)

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return attempt, dberr.Wrap(dberr.KindTimeout, adapter, op,
				fmt.Errorf("retry interrupted after %d attempts: %w (last error: %v)", attempt, sleepErr, err))
		}
	}
}
