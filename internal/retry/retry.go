// Package retry runs an operation with exponential backoff. Only errors the
// errors package classifies as retryable (storage hiccups, peer
// unavailability, timeouts) are retried; everything else fails immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	kerrors "github.com/ambientloop/keel/internal/errors"
)

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig suits on-device storage and peer sync calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// backoff returns the sleep before the given zero-based attempt's retry.
func (c Config) backoff(attempt int) time.Duration {
	d := c.BaseDelay << attempt
	if d > c.MaxDelay || d < c.BaseDelay { // shift overflow guard
		d = c.MaxDelay
	}
	if c.Jitter {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	}
	return d
}

// Do invokes fn until it succeeds, returns a non-retryable error, the
// attempt budget runs out, or ctx is cancelled.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil || !kerrors.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.backoff(attempt)):
		}
	}
}
