// Package retry wraps async operations in bounded retry with linear backoff.
// It knows nothing about payments; any operation returning an error can be
// wrapped.
package retry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dmuwanga/tenantpay/internal/config"
)

// Options configures a Retrier. Zero values fall back to the configured
// defaults.
type Options struct {
	// MaxAttempts is the total number of invocations, the first included.
	MaxAttempts int
	// Delay is the base backoff: the wait after attempt n is Delay * n.
	Delay time.Duration
	// RetryIf decides whether a failure is worth another attempt. When nil,
	// every failure is. Permanent failures (rejected requests, not-found)
	// should return false so they surface immediately.
	RetryIf func(err error) bool
}

// Retrier executes operations with bounded retry. Attempts and IsRetrying
// exist for UI feedback ("retrying…"); they describe the most recent Execute
// call, so use one Retrier per logical operation when that feedback matters.
// Concurrent Executes on independent Retriers share nothing.
type Retrier struct {
	maxAttempts int
	delay       time.Duration
	retryIf     func(err error) bool

	attempts   atomic.Int32
	isRetrying atomic.Bool
}

// New creates a Retrier with the given options.
func New(opts Options) *Retrier {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.MaxRetryAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = config.RetryDelay
	}
	return &Retrier{
		maxAttempts: opts.MaxAttempts,
		delay:       opts.Delay,
		retryIf:     opts.RetryIf,
	}
}

// Attempts returns the attempt count of the in-flight Execute, or 0 after a
// success or reset.
func (r *Retrier) Attempts() int {
	return int(r.attempts.Load())
}

// IsRetrying is false during the first attempt and true from the second
// attempt onward, until the Execute resolves.
func (r *Retrier) IsRetrying() bool {
	return r.isRetrying.Load()
}

// Reset clears the feedback counters.
func (r *Retrier) Reset() {
	r.attempts.Store(0)
	r.isRetrying.Store(false)
}

// Execute runs op until it succeeds or MaxAttempts is reached, waiting
// Delay * attemptNumber between attempts. The final failure's error is
// returned unmodified. A cancelled context stops the backoff wait early and
// returns the context's error.
func (r *Retrier) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	r.Reset()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		r.attempts.Store(int32(attempt))
		r.isRetrying.Store(attempt > 1)

		lastErr = op(ctx)
		if lastErr == nil {
			r.Reset()
			return nil
		}

		if attempt == r.maxAttempts {
			break
		}
		if r.retryIf != nil && !r.retryIf(lastErr) {
			break
		}
		if err := sleep(ctx, r.delay*time.Duration(attempt)); err != nil {
			r.isRetrying.Store(false)
			return err
		}
	}

	r.isRetrying.Store(false)
	return lastErr
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, r *Retrier, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
