package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsPastThreshold(t *testing.T) {
	repo := newFakeBreakerRepo()
	b := NewBreaker(repo, 3, 10*time.Second, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, "inst-1"))
		allowed, err := b.Allow(ctx, "inst-1")
		require.NoError(t, err)
		assert.True(t, allowed, "still under threshold after %d errors", i+1)
	}

	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	allowed, err := b.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestBreakerResetsAfterCooldown(t *testing.T) {
	repo := newFakeBreakerRepo()
	b := NewBreaker(repo, 1, 10*time.Second, 20*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	allowed, _ := b.Allow(ctx, "inst-1")
	require.False(t, allowed)

	time.Sleep(30 * time.Millisecond)
	allowed, err := b.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, allowed)

	// The reset cleared the error count; one new error does not re-trip.
	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	allowed, _ = b.Allow(ctx, "inst-1")
	assert.True(t, allowed)
}

func TestBreakerWindowExpiryForgetsOldErrors(t *testing.T) {
	repo := newFakeBreakerRepo()
	b := NewBreaker(repo, 2, 15*time.Millisecond, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	time.Sleep(25 * time.Millisecond)

	// New window: the old two errors no longer count toward the trip.
	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	allowed, err := b.Allow(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBreakerInstancesAreIndependent(t *testing.T) {
	repo := newFakeBreakerRepo()
	b := NewBreaker(repo, 0, 10*time.Second, time.Minute, nil)
	ctx := context.Background()

	require.NoError(t, b.RecordFailure(ctx, "inst-1"))
	allowed, _ := b.Allow(ctx, "inst-1")
	require.False(t, allowed)

	allowed, err := b.Allow(ctx, "inst-2")
	require.NoError(t, err)
	assert.True(t, allowed)
}
