package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultRetryBase        = time.Second
	defaultRetryMaxAttempts = 3
)

// ReconnectPolicy computes retry delays for failed connect attempts:
// base * 2^(n-1) for attempt n, with a hard attempt ceiling after which
// the caller must surface a terminal failure instead of retrying forever.
//
// The policy is owned by whichever side initiates the connect call; it
// never schedules anything itself, so timers armed from NextDelay stay
// under the caller's control and can be cancelled on teardown.
type ReconnectPolicy struct {
	Base        time.Duration
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:        defaultRetryBase,
		MaxAttempts: defaultRetryMaxAttempts,
	}
}

// NextDelay returns the delay before attempt n (1-based).
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Base << (attempt - 1)
}

func (p ReconnectPolicy) ShouldRetry(attempt int) bool {
	return attempt <= p.MaxAttempts
}

// Backoff adapts the policy to a backoff.BackOff for use with
// backoff.Retry on blocking connect loops. Randomization is disabled so
// delays stay exactly base * 2^(n-1).
func (p ReconnectPolicy) Backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.NextDelay(p.MaxAttempts)
	bo.MaxElapsedTime = 0
	bo.Reset()

	// MaxAttempts counts connect calls; backoff counts retries after the
	// first call.
	retries := uint64(0)
	if p.MaxAttempts > 1 {
		retries = uint64(p.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx)
}
