package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only if its value still equals ARGV[1],
// preventing one holder from releasing a lock it no longer owns (e.g.
// after its TTL expired and another caller acquired it).
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// MemoryLock is the in-memory reference DistributedLock, backed by a
// MemoryStore's check_and_set semantics so it shares
// the same TTL handling as the Store it coordinates.
type MemoryLock struct {
	store *MemoryStore
}

func NewMemoryLock(store *MemoryStore) *MemoryLock {
	return &MemoryLock{store: store}
}

func (l *MemoryLock) Acquire(ctx context.Context, key string, ttl, waitMax time.Duration) (LockHandle, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitMax)
	for {
		ok, err := l.store.CheckAndSet(ctx, lockKey(key), []byte(token), ttl)
		if err != nil {
			return LockHandle{}, err
		}
		if ok {
			return LockHandle{Key: key, Token: token}, nil
		}
		if waitMax <= 0 || time.Now().After(deadline) {
			return LockHandle{}, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return LockHandle{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (l *MemoryLock) Release(ctx context.Context, handle LockHandle) error {
	current, err := l.store.Get(ctx, lockKey(handle.Key))
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if string(current) != handle.Token {
		return nil
	}
	return l.store.Delete(ctx, lockKey(handle.Key))
}

func lockKey(key string) string { return "lock:" + key }

// RedisLock is the Redis-backed DistributedLock: SET NX PX to acquire,
// a compare-and-delete Lua script to release so a holder never deletes a
// lock it no longer owns.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl, waitMax time.Duration) (LockHandle, error) {
	token := uuid.NewString()
	full := lockKey(key)
	deadline := time.Now().Add(waitMax)
	for {
		ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			return LockHandle{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			return LockHandle{Key: key, Token: token}, nil
		}
		if waitMax <= 0 || time.Now().After(deadline) {
			return LockHandle{}, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return LockHandle{}, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (l *RedisLock) Release(ctx context.Context, handle LockHandle) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(handle.Key)}, handle.Token).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
