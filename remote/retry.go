package remote

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the one retry/backoff policy shared by every
// network-calling component. Exponential backoff with jitter, capped
// attempt count; whether an error qualifies for another attempt comes
// from the Kind classification, never from the call site.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy mirrors the config defaults; main builds the real
// one from Config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Backoff returns the wait before attempt n (n starts at 1 for the
// first retry): base * 2^(n-1), capped, with up to 25% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Do runs op up to MaxAttempts times, sleeping Backoff between
// attempts, stopping early on success, a non-retryable error, or
// context cancellation.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = op(); err == nil || !Retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return err
}
