package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAdmitsBurst(t *testing.T) {
	t.Parallel()

	l := NewTokenBucket(10, time.Minute)
	defer l.Close()

	for i := 0; i < 10; i++ {
		res, err := l.Allow(context.Background(), "sub:user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted", i+1)
	}

	res, err := l.Allow(context.Background(), "sub:user-1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTokenBucketCustomBurst(t *testing.T) {
	t.Parallel()

	l := NewTokenBucket(600, time.Minute, WithBurst(2))
	defer l.Close()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	t.Parallel()

	// 100 requests/second with burst 1: a token roughly every 10ms.
	l := NewTokenBucket(100, time.Second, WithBurst(1))
	defer l.Close()

	res, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(30 * time.Millisecond)

	res, err = l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketKeyIsolation(t *testing.T) {
	t.Parallel()

	l := NewTokenBucket(60, time.Minute, WithBurst(1))
	defer l.Close()

	res, err := l.Allow(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Allow(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketEvictsIdleKeys(t *testing.T) {
	t.Parallel()

	l := NewTokenBucket(10, 40*time.Millisecond, WithJanitorInterval(20*time.Millisecond))
	defer l.Close()

	_, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1, l.ActiveKeys())

	require.Eventually(t, func() bool {
		return l.ActiveKeys() == 0
	}, time.Second, 10*time.Millisecond)
}
