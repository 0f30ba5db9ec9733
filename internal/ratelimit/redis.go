// internal/ratelimit/redis.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript applies the fixed-window rule atomically. A denied call must not
// touch the counter, and only the first call in a window sets the expiry.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if count >= limit then
	return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore keeps fixed-window counters in Redis so multiple gateway
// instances share one limit budget. Redis expiry replaces the in-process
// sweep; the limiter above it still fails open when Redis is unreachable.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Take implements CounterStore.
func (s *RedisStore) Take(key string, limit int, window time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	raw, err := takeScript.Run(ctx, s.client, []string{"ratelimit:" + key},
		limit, window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis take failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("redis take returned unexpected reply %v", raw)
	}
	allowed := vals[0].(int64) == 1
	count := int(vals[1].(int64))
	ttl := time.Duration(vals[2].(int64)) * time.Millisecond

	remaining := limit - count
	if !allowed || remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetTime: time.Now().Add(ttl),
	}, nil
}

// Reset implements CounterStore. Scans and deletes the limiter's key space.
func (s *RedisStore) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	iter := s.client.Scan(ctx, 0, "ratelimit:*", 0).Iterator()
	for iter.Next(ctx) {
		s.client.Del(ctx, iter.Val())
	}
}

// Len implements CounterStore.
func (s *RedisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var n int
	iter := s.client.Scan(ctx, 0, "ratelimit:*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}
