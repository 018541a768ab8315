package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voicepipe/pkg/provider"
)

// Backoff computes exponentially growing delays between attempts.
// The zero value uses DefaultBackoff.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps every delay.
	Max time.Duration

	// Multiplier scales the delay after each retry. Values below 1 are
	// treated as 2.
	Multiplier float64
}

// DefaultBackoff is used when a Backoff has no Initial delay.
var DefaultBackoff = Backoff{
	Initial:    200 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2,
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b = DefaultBackoff
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial)
	for range attempt {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// RetryPolicy describes how [Retry] repeats a failing call.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	Backoff Backoff

	// Retryable decides whether an error is worth another attempt.
	// Nil uses provider.Retryable.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Retry calls fn until it succeeds, returns an error the policy does not
// retry, exhausts MaxRetries, or ctx is done. The returned error wraps the last
// failure so its classification survives.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for calls that produce a value.
func RetryWithResult[R any](ctx context.Context, p RetryPolicy, fn func(context.Context) (R, error)) (R, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = provider.Retryable
	}
	var zero R
	for attempt := 0; ; attempt++ {
		r, err := fn(ctx)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			return zero, fmt.Errorf("resilience: giving up after %d attempts: %w", attempt+1, err)
		}
		d := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, d)
		}
		if err := Sleep(ctx, d); err != nil {
			return zero, err
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
