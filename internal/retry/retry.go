// Package retry provides bounded retries with exponential backoff and a
// circuit breaker for calls to unreliable collaborators.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"
)

// Config controls the retry loop. Zero values fall back to the defaults below.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable decides whether an error is worth another attempt. Defaults
	// to IsTransient.
	Retryable func(error) bool
	Logger    *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2.0
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Transient marks an error as retryable regardless of its underlying type.
// The gateway client wraps 408/429/5xx responses in it.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// IsTransient is the default retryable predicate: network/timeout errors and
// anything explicitly marked Transient.
func IsTransient(err error) bool {
	var tr *Transient
	if errors.As(err, &tr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs op, retrying on retryable errors with exponential backoff plus
// jitter. The last error is returned unchanged so callers can branch on its
// kind. The name is only used for logging.
func (c Config) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	cfg := c.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || !cfg.Retryable(err) {
			return err
		}

		delay := backoffDelay(cfg, attempt)
		cfg.Logger.Warn("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes min(base * factor^(attempt-1), max) plus up to 20% jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	jitter := rand.Float64() * 0.2 * d
	return time.Duration(d + jitter)
}
