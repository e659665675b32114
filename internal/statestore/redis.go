package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndSetScript sets KEYS[1] to ARGV[1] only if absent, with TTL
// ARGV[2] milliseconds (0 = no TTL), returning 1 if the write happened.
var checkAndSetScript = redis.NewScript(`
local key = KEYS[1]
local value = ARGV[1]
local ttl_ms = tonumber(ARGV[2])
if redis.call("EXISTS", key) == 1 then
	return 0
end
if ttl_ms > 0 then
	redis.call("SET", key, value, "PX", ttl_ms)
else
	redis.call("SET", key, value)
end
return 1
`)

// incrementScript atomically increments KEYS[1], attaching TTL ARGV[1]
// (ms) only when the key does not already exist, preserving any
// existing TTL on subsequent increments.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local ttl_ms = tonumber(ARGV[1])
local exists = redis.call("EXISTS", key) == 1
local n = redis.call("INCR", key)
if not exists and ttl_ms > 0 then
	redis.call("PEXPIRE", key, ttl_ms)
end
return n
`)

// compareAndSwapScript replaces KEYS[1] with ARGV[2] iff its current
// value equals ARGV[1] ("\x00nil\x00" sentinel meaning "key absent").
var compareAndSwapScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]
local newValue = ARGV[2]
local ttl_ms = tonumber(ARGV[3])
local nilSentinel = ARGV[4]
local current = redis.call("GET", key)
if current == false then
	current = nilSentinel
end
if current ~= expected then
	return 0
end
if ttl_ms > 0 then
	redis.call("SET", key, newValue, "PX", ttl_ms)
else
	redis.call("SET", key, newValue)
end
return 1
`)

const casNilSentinel = "\x00acteon-absent\x00"

// RedisStore is the Redis-backed StateStore implementation for
// multi-replica deployments. Atomic operations run as embedded Lua
// scripts.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) StrongCounter() bool { return true }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CheckAndSet(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := checkAndSetScript.Run(ctx, s.client, []string{key}, string(value), ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return asInt64(res), nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected, newValue []byte, ttl time.Duration) (bool, error) {
	expectedStr := casNilSentinel
	if expected != nil {
		expectedStr = string(expected)
	}
	res, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, expectedStr, string(newValue), ttl.Milliseconds(), casNilSentinel).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) ScanByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return keys, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
