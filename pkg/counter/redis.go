package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript records one observation and counts the window
// atomically in Redis. Observations live in a sorted set scored by unix
// micros; members carry a nonce so same-microsecond observations are
// distinct.
// KEYS[1] = observation key
// ARGV[1] = current unix micros
// ARGV[2] = window in micros
// ARGV[3] = member (micros + nonce)
// ARGV[4] = key TTL in millis
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
redis.call("ZADD", key, now, ARGV[3])
local count = redis.call("ZCARD", key)
redis.call("PEXPIRE", key, ARGV[4])

return count
`)

const redisKeyPrefix = "verdict:obs:"

// RedisCounter implements the observation source on Redis so several nodes
// share one view of the window.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter backed by Redis.
func NewRedisCounter(addr, password string, db int) *RedisCounter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounter{client: rdb}
}

// Observe executes the Lua script to record and count in one round trip.
func (c *RedisCounter) Observe(ctx context.Context, key string, window time.Duration) (uint64, error) {
	nowUS := time.Now().UnixMicro()
	member := fmt.Sprintf("%d-%s", nowUS, uuid.NewString())
	ttlMS := window.Milliseconds() + 1

	res, err := slidingWindowScript.Run(ctx, c.client,
		[]string{redisKeyPrefix + key},
		nowUS, window.Microseconds(), member, ttlMS,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("counter: redis observe: %w", err)
	}

	count, ok := res.(int64)
	if !ok || count < 0 {
		return 0, fmt.Errorf("counter: unexpected script result %v", res)
	}
	return uint64(count), nil
}

// Ping verifies connectivity at startup.
func (c *RedisCounter) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("counter: redis ping: %w", err)
	}
	return nil
}
