// Package retry runs backend calls with exponential backoff and model
// fallback on persistent rate limiting.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
)

const (
	// DefaultMaxAttempts bounds the total number of calls, the first
	// included.
	DefaultMaxAttempts = 5
	// DefaultInitialDelay is the wait after the first failed attempt.
	DefaultInitialDelay = 5 * time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second

	// jitterFraction spreads each delay by +/- 30% so stalled clients do
	// not retry in lockstep.
	jitterFraction = 0.3

	// persistent429Threshold is the consecutive rate-limit count at which
	// the fallback handler is consulted.
	persistent429Threshold = 2
)

// FallbackFunc is consulted after consecutive rate-limit failures. Returning
// a non-empty model identifier signals that the caller has switched models
// and the attempt budget restarts with no wait; returning "" keeps the
// normal backoff path.
type FallbackFunc func(authType string, err error) string

// Options tunes a single Do call. The zero value uses the defaults above.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ShouldRetry decides whether a failure is worth another attempt.
	// Defaults to DefaultShouldRetry.
	ShouldRetry func(error) bool

	// OnPersistent429, when set, is invoked once the rate-limit streak
	// reaches persistent429Threshold.
	OnPersistent429 FallbackFunc

	// AuthType is passed through to OnPersistent429.
	AuthType string

	// OnRetry observes each backoff wait before it starts.
	OnRetry func(err error, attempt int, delay time.Duration)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultShouldRetry
	}
	return o
}

// DefaultShouldRetry retries rate limits and server-side failures, and gives
// up on everything else.
func DefaultShouldRetry(err error) bool {
	return llm.Classify(err).Retryable()
}

// Do calls fn until it succeeds, a failure is not retryable, or the attempt
// budget is spent. The error returned after exhaustion is the last error
// from fn, unchanged, so callers can inspect it with errors.As.
//
// Rate limits get special treatment: after persistent429Threshold
// consecutive rate-limit failures the OnPersistent429 handler may switch the
// caller to a fallback model, which resets the attempt counter and skips the
// backoff wait for the next call.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opts = opts.withDefaults()

	var lastErr error
	consecutive429 := 0
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !opts.ShouldRetry(err) || attempt >= opts.MaxAttempts {
			return zero, err
		}

		if llm.Classify(err) == llm.KindRateLimit {
			consecutive429++
		} else {
			consecutive429 = 0
		}
		if consecutive429 >= persistent429Threshold && opts.OnPersistent429 != nil {
			if model := opts.OnPersistent429(opts.AuthType, err); model != "" {
				logger.Info("persistent rate limiting, retrying immediately on fallback model %s", model)
				attempt = 0
				consecutive429 = 0
				continue
			}
		}

		delay := Delay(attempt, opts.InitialDelay, opts.MaxDelay)
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}
		logger.Warn("attempt %d/%d failed, retrying in %s: %v", attempt, opts.MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

// Delay computes the wait after the given failed attempt (1-based):
// initial * 2^(attempt-1), capped at max, with +/- 30% jitter applied after
// the cap.
func Delay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if capped := float64(max); d > capped {
		d = capped
	}
	jitter := 1 - jitterFraction + 2*jitterFraction*rand.Float64()
	return time.Duration(d * jitter)
}
