// Package request wraps discrete request/response calls with classified retries.
package request

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/observability"
)

const (
	// DefaultMaxAttempts bounds the total number of tries, first included.
	DefaultMaxAttempts uint = 3
	// DefaultBaseDelay is the pause before the second attempt; subsequent
	// pauses double.
	DefaultBaseDelay = time.Second
)

// Options tunes a single Do invocation.
type Options struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	Notify      func(err error, delay time.Duration)
}

// Option mutates executor options.
type Option func(*Options)

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n uint) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithBaseDelay overrides the first retry pause.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.BaseDelay = d
		}
	}
}

// WithNotify registers a callback invoked before every retry pause.
func WithNotify(fn func(err error, delay time.Duration)) Option {
	return func(o *Options) {
		o.Notify = fn
	}
}

// Do executes op, retrying errors in the retry-safe classes (network, HTTP
// >=500, HTTP 429) with exponential backoff: the pause before attempt n is
// BaseDelay * 2^(n-2). Non-retryable errors and exhaustion surface the last
// observed error unchanged. The operation must be idempotent; that is the
// caller's responsibility.
func Do[T any](ctx context.Context, op func(context.Context) (T, error), opts ...Option) (T, error) {
	options := Options{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	wave := backoff.NewExponentialBackOff()
	wave.InitialInterval = options.BaseDelay
	wave.RandomizationFactor = 0
	wave.Multiplier = 2
	wave.MaxInterval = options.BaseDelay << (options.MaxAttempts + 1)

	operation := func() (T, error) {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !errs.Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	notify := func(err error, delay time.Duration) {
		observability.Telemetry().IncCounter("request_retries_total", 1, map[string]string{"code": string(errs.CodeOf(err))})
		observability.Log().Debug("retrying request",
			observability.F("delay", delay.String()),
			observability.F("error", err.Error()),
		)
		if options.Notify != nil {
			options.Notify(err, delay)
		}
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(wave),
		backoff.WithMaxTries(options.MaxAttempts),
		backoff.WithNotify(notify),
	)
}
