package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrScript atomically increments the window counter unless that would
// cross capacity. Returns {count, allowed}. The key expires two hours
// after first use so stale windows clean themselves up.
var incrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local capacity = tonumber(ARGV[1])
if current >= capacity then
  return {current, 0}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
return {count, 1}
`)

const redisKeyPrefix = "membersync:quota:"

// RedisLimiter coordinates the hourly quota across pipeline instances
// through a shared Redis counter. When Redis is unreachable it fails open
// rather than stalling the batch.
type RedisLimiter struct {
	client   *redis.Client
	capacity int
	now      func() time.Time
}

// NewRedis creates a limiter over an existing Redis client.
func NewRedis(client *redis.Client, capacity int) *RedisLimiter {
	return &RedisLimiter{client: client, capacity: capacity, now: time.Now}
}

func (l *RedisLimiter) CheckAndIncrement(ctx context.Context) (Status, error) {
	now := l.now()
	key := redisKeyPrefix + windowKey(now)
	ttl := int(2 * time.Hour / time.Second)

	res, err := incrScript.Run(ctx, l.client, []string{key}, l.capacity, ttl).Int64Slice()
	if err != nil || len(res) != 2 {
		zap.L().Warn("rate limit backend unreachable, failing open", zap.Error(err))
		return failOpen(l.capacity, now), nil
	}

	count := int(res[0])
	allowed := res[1] == 1
	return buildStatus(count, l.capacity, allowed, now), nil
}

func (l *RedisLimiter) Status(ctx context.Context) (Status, error) {
	now := l.now()
	key := redisKeyPrefix + windowKey(now)

	count, err := l.client.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		zap.L().Warn("rate limit backend unreachable, failing open", zap.Error(err))
		return failOpen(l.capacity, now), nil
	}
	return buildStatus(count, l.capacity, count < l.capacity, now), nil
}
