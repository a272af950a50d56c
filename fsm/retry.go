package fsm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds how often a failed call is re-run. The zero value
// retries forever, starting at one second and doubling.
//
// The policy only decides; the caller owns the waiting, typically by arming
// a timer on its own clock so that no lock is held between attempts:
//
//	wait, err := policy.Next(attempt, err)
//	if err != nil {
//		return err // final
//	}
//	timer = clk.AfterFunc(wait, retry)
type RetryPolicy struct {
	// MaxAttempts counts calls, not retries. 0 is unlimited.
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
	// MaxInterval caps a single wait. 0 is uncapped.
	MaxInterval time.Duration `yaml:"max_interval"`

	// NonRetryableErrors stop retrying at once, matched with errors.Is.
	NonRetryableErrors []error `yaml:"-"`
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.InitialInterval
	if base <= 0 {
		base = time.Second
	}
	coef := p.BackoffCoefficient
	if coef <= 0 {
		coef = 2
	}
	wait := time.Duration(float64(base) * math.Pow(coef, float64(attempt-1)))
	if p.MaxInterval > 0 && (wait > p.MaxInterval || wait <= 0) {
		return p.MaxInterval
	}
	return wait
}

// Retryable reports whether err may be retried under p.
func (p RetryPolicy) Retryable(err error) bool {
	for _, target := range p.NonRetryableErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

// Next decides what follows failed attempt number attempt (1-based). A nil
// error means retry after the returned wait. Otherwise the returned error is
// final: err itself when it is not retryable, or an error matching both
// ErrRetryExhausted and err once MaxAttempts calls have been made.
func (p RetryPolicy) Next(attempt int, err error) (time.Duration, error) {
	switch {
	case !p.Retryable(err):
		return 0, err
	case p.MaxAttempts > 0 && attempt >= p.MaxAttempts:
		return 0, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
	}
	return p.Backoff(attempt), nil
}

// Timeout bounds each call of fn to d.
func Timeout[C any](fn Activity[C], d time.Duration) Activity[C] {
	return func(ctx context.Context, c C) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx, c)
	}
}

// WithMiddleware wraps fn in mw, mw[0] outermost.
func WithMiddleware[C any](fn Activity[C], mw ...Middleware[C]) Activity[C] {
	wrapped := fn
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	return wrapped
}
