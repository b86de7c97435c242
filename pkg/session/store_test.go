package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.SessionID(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSession)
	id, err := LookupSessionID(ctx, s, 1)
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetSessionID(ctx, 1, "S1"))
	require.NoError(t, s.SetSessionID(ctx, 2, "S2"))
	id, err = s.SessionID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "S1", id)

	all, err := s.AllSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "S1", 2: "S2"}, all)

	require.NoError(t, s.RemoveSessionID(ctx, 1))
	_, err = s.SessionID(ctx, 1)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.SetChallenge(ctx, 3, "C3"))
	c, err := s.Challenge(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "C3", c)
	require.NoError(t, s.RemoveChallenge(ctx, 3))
	_, err = s.Challenge(ctx, 3)
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, s.AddEmailToken(ctx, 4, "T4"))
	tok, err := s.EmailToken(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "T4", tok)
	require.NoError(t, s.RemoveEmailToken(ctx, 4))
	_, err = s.EmailToken(ctx, 4)
	assert.ErrorIs(t, err, ErrNoSession)

	paused, err := s.IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	require.NoError(t, s.Pause(ctx))
	paused, err = s.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	was, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, was)
	was, err = s.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, was)

	ip := "203.0.113.9"
	for i := 1; i < s.IPErrorThreshold(); i++ {
		n, err := s.LogIPForPotentialBan(ctx, ip)
		require.NoError(t, err)
		assert.Equal(t, int64(i), n)
	}
	banned, err := s.CheckForIPBan(ctx, ip)
	require.NoError(t, err)
	assert.False(t, banned)
	_, err = s.LogIPForPotentialBan(ctx, ip)
	require.NoError(t, err)
	banned, err = s.CheckForIPBan(ctx, ip)
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(3)
	assert.Equal(t, 3, s.IPErrorThreshold())
	exerciseStore(t, s)
}

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	s := NewRedisStore(RedisOptions{
		Addr:             "localhost:6379",
		Namespace:        fmt.Sprintf("actiond-test-%d", time.Now().UnixNano()),
		IPErrorThreshold: 3,
		IPBanWindow:      time.Minute,
	})
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() {
		keys, _ := s.client.Keys(ctx, s.ns+":*").Result()
		if len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
	})

	exerciseStore(t, s)
}
