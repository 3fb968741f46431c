package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("agent-1", 3, time.Minute)
		require.True(t, ok)
	}
	ok, reset := rl.Allow("agent-1", 3, time.Minute)
	require.False(t, ok)
	require.Equal(t, now.Add(time.Minute), reset)

	ok, _ = rl.Allow("agent-2", 3, time.Minute)
	require.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = rl.Allow("agent-1", 3, time.Minute)
	require.True(t, ok, "a new window starts at reset")
}

func TestRateLimiterNoLimit(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("k", 0, time.Minute)
		require.True(t, ok)
	}
	require.Zero(t, rl.Stats().Keys)
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }
	rl.Allow("a", 1, time.Minute)
	rl.Allow("b", 1, time.Hour)
	require.Equal(t, 2, rl.Stats().Keys)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, rl.Prune())
	require.Equal(t, 1, rl.Stats().Keys)
}

func TestTokenHasherMatches(t *testing.T) {
	h := NewTokenHasher([]byte("salt"))
	hash := h.HashString("secret")
	require.True(t, h.Matches("secret", hash))
	require.False(t, h.Matches("other", hash))
	require.False(t, h.Matches("", hash))
	require.NotEqual(t, hash, NewTokenHasher([]byte("pepper")).HashString("secret"))
}
