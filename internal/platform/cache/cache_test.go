package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readiness struct {
	CompletedCount int  `json:"completed_count"`
	IsReady        bool `json:"is_ready"`
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "ipd:readiness:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "V1", readiness{CompletedCount: 7, IsReady: true}, time.Minute))
	assert.True(t, mr.Exists("ipd:readiness:V1"))

	var got readiness
	ok, err := c.Get(ctx, "V1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got.CompletedCount)
	assert.True(t, got.IsReady)

	require.NoError(t, c.Delete(ctx, "V1"))
	ok, err = c.Get(ctx, "V1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "V1", readiness{}, time.Minute))
	mr.FastForward(2 * time.Minute)

	ok, err := c.Get(ctx, "V1", &readiness{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unreachable(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "")
	mr.Close()

	_, err := c.Get(context.Background(), "V1", &readiness{})
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestRedisLocker(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "ipd:lock:")
	ctx := context.Background()

	ok, owner, err := l.TryLock(ctx, "gatepass:V1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, owner)

	ok, _, err = l.TryLock(ctx, "gatepass:V1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must not acquire a held lock")

	assert.ErrorIs(t, l.Unlock(ctx, "gatepass:V1", "someone-else"), ErrLockNotOwned)
	require.NoError(t, l.Unlock(ctx, "gatepass:V1", owner))
	assert.False(t, mr.Exists("ipd:lock:gatepass:V1"))

	ok, _, err = l.TryLock(ctx, "gatepass:V1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLockReleasesQuietly(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedisLocker(client, "")
	ctx := context.Background()

	ok, owner, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	assert.NoError(t, l.Unlock(ctx, "k", owner))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	ok, owner, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, _ = l.TryLock(ctx, "k", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, second, _ := l.TryLock(ctx, "k", time.Second)
	assert.True(t, ok, "expired lock can be taken over")

	assert.ErrorIs(t, l.Unlock(ctx, "k", owner), ErrLockNotOwned)
	assert.NoError(t, l.Unlock(ctx, "k", second))
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	c.clock = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "V1", readiness{CompletedCount: 3}, time.Minute))
	var got readiness
	ok, err := c.Get(ctx, "V1", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, got.CompletedCount)

	now = now.Add(time.Minute)
	ok, _ = c.Get(ctx, "V1", &got)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "V2", readiness{}, 0))
	require.NoError(t, c.Delete(ctx, "V2"))
	ok, _ = c.Get(ctx, "V2", &got)
	assert.False(t, ok)
}

func TestCache_Incr(t *testing.T) {
	_, client := setupTestRedis(t)
	caches := map[string]Cache{
		"redis":  NewRedisCache(client, "ipd:"),
		"memory": NewMemoryCache(),
	}
	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var n int64
			ok, err := c.Get(ctx, "gen:V1", &n)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := c.Incr(ctx, "gen:V1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got)
			got, err = c.Incr(ctx, "gen:V1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), got)

			ok, err = c.Get(ctx, "gen:V1", &n)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, int64(2), n)
		})
	}
}
