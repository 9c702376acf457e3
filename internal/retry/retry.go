// Package retry provides exponential backoff policies and a retry helper for
// idempotent remote reads.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	serrors "github.com/p-blackswan/domainsync/internal/errors"
)

// Backoff computes Base * Factor^n, capped at Max when Max > 0.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Delay returns the backoff for step n (n >= 0).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}
	d := time.Duration(float64(b.Base) * math.Pow(factor, float64(n)))
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// QueueBackoff is min(30s, 2^retries * 1s).
func QueueBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}
}

// ReconnectBackoff is 3s * 1.5^(attempt-1); callers pass attempt-1.
func ReconnectBackoff() Backoff {
	return Backoff{Base: 3 * time.Second, Factor: 1.5}
}

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	Backoff     Backoff
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults for remote reads.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: 500 * time.Millisecond, Factor: 2, Max: 10 * time.Second},
		Jitter:      true,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !serrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Backoff.Delay(attempt)
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
