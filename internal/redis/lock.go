package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

const slotLockPrefix = "lock:slot:"

// Locker guards the booking critical section of one slot key. It only sheds
// contention early; the store's own uniqueness check stays authoritative.
type Locker interface {
	WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error
}

// releaseScript deletes the key only while it still carries our token, so an
// expired lease never removes a lock taken over by another booking.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type slotLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSlotLocker takes one SET NX key per slot, held for at most ttl.
func NewRedisSlotLocker(client *redis.Client, ttl time.Duration) Locker {
	return &slotLocker{client: client, ttl: ttl}
}

type lease struct {
	key   string
	token string
}

func (l *slotLocker) acquire(ctx context.Context, slotKey string) (lease, error) {
	ls := lease{key: slotLockPrefix + slotKey, token: uuid.NewString()}

	ok, err := l.client.SetNX(ctx, ls.key, ls.token, l.ttl).Result()
	switch {
	case err != nil:
		return lease{}, fmt.Errorf("acquire slot lock %s: %w", slotKey, err)
	case !ok:
		return lease{}, ErrLockNotAcquired
	}
	return ls, nil
}

func (l *slotLocker) release(ctx context.Context, ls lease) error {
	err := releaseScript.Run(ctx, l.client, []string{ls.key}, ls.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}

// WithSlotLock runs fn while holding the slot's lease. fn gets a context
// bounded by the lease ttl.
func (l *slotLocker) WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error {
	ls, err := l.acquire(ctx, slotKey)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.release(context.WithoutCancel(ctx), ls)
	}()

	leaseCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(leaseCtx)
}

type noopLocker struct{}

// NewNoopLocker runs fn without any locking, for deployments without Redis.
func NewNoopLocker() Locker {
	return noopLocker{}
}

func (noopLocker) WithSlotLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
