package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisClientFromExisting(client, "test:"), mr
}

func TestEventDedup(t *testing.T) {
	rc, _ := setupTestRedis(t)
	ctx := context.Background()

	seen, err := rc.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, rc.MarkEventSeen(ctx, "evt_1", time.Hour))

	seen, err = rc.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = rc.SeenEvent(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen, "dedup keys are per event id")
}

func TestMarkEventSeenExpires(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.MarkEventSeen(ctx, "evt_1", time.Minute))
	mr.FastForward(2 * time.Minute)

	seen, err := rc.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestTryLockExcludesSecondHolder(t *testing.T) {
	rc, mr := setupTestRedis(t)
	ctx := context.Background()

	ok, err := rc.TryLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.TryLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Lock expires on its own if the holder dies.
	mr.FastForward(2 * time.Minute)
	ok, err = rc.TryLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockReleases(t *testing.T) {
	rc, _ := setupTestRedis(t)
	ctx := context.Background()

	ok, err := rc.TryLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, rc.Unlock(ctx, "retry-sweep"))

	ok, err = rc.TryLock(ctx, "retry-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
