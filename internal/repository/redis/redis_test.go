package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passwordless-auth/internal/client"
	"passwordless-auth/internal/model"
)

var contact = model.Contact{Value: "+15551234567", Type: model.ContactPhone}

func newClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.NewRedisClientFromConn(rdb), mr
}

func TestBlacklistCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	rc, mr := newClient(t)
	cache := NewBlacklistCache(rc, time.Hour)
	now := time.Now().UTC().Truncate(time.Second)

	miss, err := cache.Get(ctx, contact)
	require.NoError(t, err)
	assert.Nil(t, miss)

	entry := &model.BlacklistEntry{
		ID:            "e1",
		Contact:       contact,
		Reason:        model.ReasonMaxVerifyAttempts,
		BlacklistedAt: now,
		ExpiresAt:     now.Add(30 * time.Minute),
	}
	require.NoError(t, cache.Put(ctx, entry, now))

	got, err := cache.Get(ctx, contact)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.ReasonMaxVerifyAttempts, got.Reason)
	assert.True(t, got.ExpiresAt.Equal(entry.ExpiresAt))

	mr.FastForward(31 * time.Minute)
	got, err = cache.Get(ctx, contact)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBlacklistCacheCapsTTLAndKeepsLongerBlock(t *testing.T) {
	ctx := context.Background()
	rc, mr := newClient(t)
	cache := NewBlacklistCache(rc, 10*time.Minute)
	now := time.Now().UTC()

	long := &model.BlacklistEntry{Contact: contact, Reason: model.ReasonManualBlock, BlacklistedAt: now, ExpiresAt: now.Add(48 * time.Hour)}
	short := &model.BlacklistEntry{Contact: contact, Reason: model.ReasonMaxSendAttempts, BlacklistedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, cache.Put(ctx, long, now))
	require.NoError(t, cache.Put(ctx, short, now))

	assert.Equal(t, 10*time.Minute, mr.TTL(blacklistKey(contact)))
	got, err := cache.Get(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonManualBlock, got.Reason)
}

func TestBlacklistCacheIgnoresExpiredEntries(t *testing.T) {
	ctx := context.Background()
	rc, mr := newClient(t)
	now := time.Now().UTC()

	err := NewBlacklistCache(rc, time.Hour).Put(ctx, &model.BlacklistEntry{Contact: contact, ExpiresAt: now.Add(-time.Second)}, now)
	require.NoError(t, err)
	assert.False(t, mr.Exists(blacklistKey(contact)))
}

func TestRunLockIsExclusiveAndReleasable(t *testing.T) {
	ctx := context.Background()
	rc, _ := newClient(t)
	lock := NewRunLock(rc)

	release, ok, err := lock.Acquire(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.Acquire(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))

	release2, ok, err := lock.Acquire(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release2(ctx))
}

func TestRunLockReleaseDoesNotStealNewHolder(t *testing.T) {
	ctx := context.Background()
	rc, mr := newClient(t)
	lock := NewRunLock(rc)

	staleRelease, ok, err := lock.Acquire(ctx, "cleanup", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = lock.Acquire(ctx, "cleanup", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists(lockPrefix+"cleanup"))
}

func TestIPThrottleWindow(t *testing.T) {
	ctx := context.Background()
	rc, mr := newClient(t)
	throttle := NewIPThrottle(rc, 2, time.Minute)

	for i := 0; i < 2; i++ {
		ok, _, err := throttle.Allow(ctx, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, retry, err := throttle.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	other, _, err := throttle.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, other)

	mr.FastForward(61 * time.Second)
	ok, _, err = throttle.Allow(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIPThrottleDisabled(t *testing.T) {
	rc, _ := newClient(t)
	ok, _, err := NewIPThrottle(rc, 0, time.Minute).Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)
}
