package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithSlotLock_RunsAndReleases(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	ran := false
	err := locker.WithSlotLock(context.Background(), "D1:2024-06-01:09:00", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("lock:slot:D1:2024-06-01:09:00"))
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:slot:D1:2024-06-01:09:00"), "lock should be released")
}

func TestWithSlotLock_ContendedKey(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	err := locker.WithSlotLock(context.Background(), "D1:2024-06-01:09:00", func(ctx context.Context) error {
		inner := locker.WithSlotLock(ctx, "D1:2024-06-01:09:00", func(context.Context) error {
			t.Fatal("nested lock on the same key must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)

		other := locker.WithSlotLock(ctx, "D1:2024-06-01:09:30", func(context.Context) error { return nil })
		assert.NoError(t, other, "different keys do not interfere")
		return nil
	})
	require.NoError(t, err)
}

func TestWithSlotLock_PropagatesError(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisSlotLocker(client, 5*time.Second)

	boom := errors.New("boom")
	err := locker.WithSlotLock(context.Background(), "k", func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("lock:slot:k"))
}

func TestRelease_DoesNotStealForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := &slotLocker{client: client, ttl: time.Second}

	require.NoError(t, mr.Set("lock:slot:k", "someone-else"))
	require.NoError(t, l.release(context.Background(), lease{key: "lock:slot:k", token: "my-token"}))

	v, err := mr.Get("lock:slot:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestNoopLocker(t *testing.T) {
	calls := 0
	err := NewNoopLocker().WithSlotLock(context.Background(), "k", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithSlotLock_ExpiredLeaseDoesNotRemoveNewHolder(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisSlotLocker(client, time.Second)

	err := locker.WithSlotLock(context.Background(), "k", func(context.Context) error {
		// our lease expires and another booking takes the key
		mr.FastForward(2 * time.Second)
		require.NoError(t, mr.Set("lock:slot:k", "next-holder"))
		return nil
	})
	require.NoError(t, err)

	v, err := mr.Get("lock:slot:k")
	require.NoError(t, err)
	assert.Equal(t, "next-holder", v)
}
