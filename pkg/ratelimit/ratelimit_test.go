package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellanhq/castellan/pkg/ratelimit"
)

func TestMemoryLimiterEnforcesWindowLimit(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "endpoint-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should fit the limit", i+1)
	}

	allowed, err := limiter.Allow(ctx, "endpoint-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestMemoryLimiterWindowRollover(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	now := time.Date(2026, 8, 31, 12, 0, 30, 0, time.UTC)
	limiter.SetClock(func() time.Time { return now })

	allowed, err := limiter.Allow(ctx, "endpoint-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "endpoint-1", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	now = now.Add(time.Minute)

	allowed, err = limiter.Allow(ctx, "endpoint-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "a new window resets the counter")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "endpoint-1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "endpoint-2", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestZeroLimitDisablesLimiting(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		allowed, err := limiter.Allow(ctx, "endpoint-1", 0, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}
