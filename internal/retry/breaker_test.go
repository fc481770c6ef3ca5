package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(calls *int) func(context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		return errBoom
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute, nil)
	calls := 0
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, failingOp(&calls)), errBoom)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateOpen, b.State())

	// Open: fails fast without invoking the operation.
	err := b.Execute(ctx, failingOp(&calls))
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 3, calls)
}

func TestBreakerHalfOpenAllowsOneTrial(t *testing.T) {
	b := NewBreaker(2, time.Minute, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls))
	b.Execute(ctx, failingOp(&calls))
	require.Equal(t, StateOpen, b.State())

	// Cooldown elapses: exactly one trial call is let through; a second
	// concurrent call is still refused.
	now = now.Add(time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	trialRan := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		trialRan = true
		nested := b.Execute(ctx, failingOp(&calls))
		assert.ErrorIs(t, nested, ErrBreakerOpen)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, trialRan)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	b := NewBreaker(1, time.Minute, nil)
	now := time.Now()
	b.now = func() time.Time { return now }
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls))
	require.Equal(t, StateOpen, b.State())

	now = now.Add(time.Minute)
	assert.ErrorIs(t, b.Execute(ctx, failingOp(&calls)), errBoom)
	assert.Equal(t, 2, calls)

	// Trial failed: open again for a full cooldown.
	assert.ErrorIs(t, b.Execute(ctx, failingOp(&calls)), ErrBreakerOpen)
	assert.Equal(t, 2, calls)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute, nil)
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls))
	b.Execute(ctx, failingOp(&calls))
	require.NoError(t, b.Execute(ctx, func(ctx context.Context) error { return nil }))

	// Two more failures stay under the threshold after the reset.
	b.Execute(ctx, failingOp(&calls))
	b.Execute(ctx, failingOp(&calls))
	assert.Equal(t, StateClosed, b.State())
}
