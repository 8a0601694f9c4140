// Package retry provides bounded-backoff retries for the transient
// failures the dispatch engine meets at its edges: tracker and webhook
// HTTP calls, and the store's disk writes. Errors wrapped with Permanent
// stop the loop immediately.
package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultBackoff is the default set of delays between attempts.
var DefaultBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that retrying cannot help (bad
// request, contract violation, corrupt input).
func Permanent(err error) error {
	return &permanentError{err: err}
}

type options struct {
	maxAttempts int
	backoff     []time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts, first try included.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBackoff sets the delays between attempts. When there are more
// attempts than delays, the last delay repeats.
func WithBackoff(delays ...time.Duration) Option {
	return func(o *options) { o.backoff = delays }
}

func resolveOptions(opts []Option) options {
	o := options{maxAttempts: 3, backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	if len(o.backoff) == 0 {
		o.backoff = DefaultBackoff
	}
	return o
}

// Do executes fn until it returns nil, a Permanent error, the context is
// cancelled, or the attempts are exhausted. The last error is returned on
// exhaustion, unwrapped from Permanent if that is what stopped the loop.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	_, err := DoVal(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	}, opts...)
	return err
}

// DoVal is Do for functions that also produce a value.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var zero T
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(delayFor(o.backoff, attempt-1)):
			}
		}

		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}
	}
	return zero, lastErr
}

// delayFor returns the pause after the given zero-based failed attempt,
// reusing the final delay once the slice runs out.
func delayFor(backoff []time.Duration, attempt int) time.Duration {
	if attempt >= len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[attempt]
}
