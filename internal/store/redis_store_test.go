package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

func newTestCache(t *testing.T, ttl time.Duration) (*RedisCounterCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCounterCache(mr.Addr(), "", 0, ttl)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisFillAndHit(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	got, token, err := cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, token)

	ok, err := cache.FillStats(ctx, &domain.Counter{EntityID: "u1", FollowersCount: 3, FollowingCount: 1, PostsCount: 7}, token)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err = cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.FollowersCount)
	assert.Equal(t, int64(1), got.FollowingCount)
	assert.Equal(t, int64(7), got.PostsCount)
	assert.Equal(t, time.Minute, mr.TTL(statsKey("u1")))

	mr.FastForward(time.Minute + time.Second)
	got, _, err = cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisInvalidateFencesStaleFill(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	require.NoError(t, cache.Invalidate(ctx, "u1", "u2"))
	for _, id := range []string{"u1", "u2"} {
		assert.True(t, mr.Exists(statsKey(id)), id)
		assert.Equal(t, time.Minute, mr.TTL(statsKey(id)), id)
	}

	// A reader misses and takes the current generation.
	got, staleToken, err := cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NotEmpty(t, staleToken)

	// A writer commits and invalidates before that reader fills.
	require.NoError(t, cache.Invalidate(ctx, "u1"))

	ok, err := cache.FillStats(ctx, &domain.Counter{EntityID: "u1", FollowersCount: 5}, staleToken)
	require.NoError(t, err)
	assert.False(t, ok)
	got, freshToken, err := cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NotEqual(t, staleToken, freshToken)

	// Unknown entries do not accept a token either.
	ok, err = cache.FillStats(ctx, &domain.Counter{EntityID: "u3"}, freshToken)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cache.FillStats(ctx, &domain.Counter{EntityID: "u1", FollowersCount: 6}, freshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _, err = cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(6), got.FollowersCount)
}

func TestRedisInvalidateDropsHit(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, 0)

	ok, err := cache.FillStats(ctx, &domain.Counter{EntityID: "u1", FollowersCount: 2}, "")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.Invalidate(ctx, "u1"))
	got, _, err := cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.Invalidate(ctx))
}

func TestRedisGetStatsRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)

	mr.HSet(statsKey("u1"), fieldFollowers, "x", fieldFollowing, "0", fieldPosts, "0")
	_, _, err := cache.GetStats(ctx, "u1")
	assert.Error(t, err)
}

func TestRedisHotKeys(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, cache.RecordAccess(ctx, "hot"))
	}
	require.NoError(t, cache.RecordAccess(ctx, "warm"))

	keys, err := cache.GetTopHotKeys(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot"}, keys)

	keys, err = cache.GetTopHotKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "warm"}, keys)

	require.NoError(t, cache.ResetHotKeyScores(ctx))
	keys, err = cache.GetTopHotKeys(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCounterCache(addr, "", 0, time.Minute)
	assert.Error(t, err)
}

func TestNoopCounterCache(t *testing.T) {
	ctx := context.Background()
	var cache CounterCache = NoopCounterCache{}

	ok, err := cache.FillStats(ctx, &domain.Counter{EntityID: "u1", FollowersCount: 1}, "")
	require.NoError(t, err)
	assert.False(t, ok)
	got, _, err := cache.GetStats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	keys, err := cache.GetTopHotKeys(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
