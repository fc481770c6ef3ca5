package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := cfg.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	err := cfg.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &Transient{Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoNonRetryableReturnsImmediately(t *testing.T) {
	permanent := errors.New("validation failed")
	calls := 0
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond}
	err := cfg.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)
	// The original error must propagate unchanged so callers can branch on it.
	assert.Same(t, permanent, err)
}

func TestDoExhaustionReturnsOriginalError(t *testing.T) {
	underlying := errors.New("gateway 503")
	transient := &Transient{Err: underlying}
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	err := cfg.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return transient
	})
	assert.Equal(t, 3, calls)
	assert.Same(t, transient, err)
	assert.True(t, errors.Is(err, underlying))
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := Config{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}
	err := cfg.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		cancel()
		return &Transient{Err: errors.New("flaky")}
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 4 * time.Second, BackoffFactor: 2}.withDefaults()
	// attempt 5 would be 16s uncapped; jitter adds at most 20%.
	d := backoffDelay(cfg, 5)
	assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
	assert.GreaterOrEqual(t, d, 4*time.Second)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Transient{Err: errors.New("x")}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("bad request")))
}
