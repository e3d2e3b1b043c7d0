package llm

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // retry attempts beyond the initial call
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // cap on the delay between retries, in seconds
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default policy: two retries, 1s base delay,
// doubling with jitter, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// WithRetryLogging reports each retry attempt through the given logger. It
// replaces any OnRetry callback already on the policy.
func WithRetryLogging(logger *log.Logger) ClientOption {
	return func(c *Client) {
		c.retry.OnRetry = func(err error, attempt int, delay time.Duration) {
			logger.Warn("model call failed, retrying",
				"attempt", attempt, "delay", delay.Round(time.Millisecond), "error", err)
		}
	}
}

// Delay calculates the delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	secs := p.BaseDelay * math.Pow(p.BackoffMultiplier, float64(attempt))
	if secs > p.MaxDelay {
		secs = p.MaxDelay
	}
	if p.Jitter {
		secs *= 0.5 + rand.Float64() // +/- 50%
	}
	return time.Duration(secs * float64(time.Second))
}

// maxDelayHint converts the policy's cap to a duration for comparing against
// provider Retry-After hints.
func (p RetryPolicy) maxDelayHint() time.Duration {
	return time.Duration(p.MaxDelay * float64(time.Second))
}

// Retry runs fn under the policy: the initial call plus up to MaxRetries
// re-attempts for retryable errors. A RateLimitError carrying a Retry-After
// hint overrides the computed backoff; a hint beyond MaxDelay gives up
// immediately instead of waiting it out.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		if rl, ok := err.(*RateLimitError); ok && rl.RetryAfter != nil {
			hinted := time.Duration(*rl.RetryAfter * float64(time.Second))
			if hinted > policy.maxDelayHint() {
				return zero, err
			}
			delay = hinted
		}

		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			return zero, &AbortError{TransportError: TransportError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-time.After(delay):
		}
	}
}
