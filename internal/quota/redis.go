// Redis-backed daily operation counter.
//
// DESIGN: For multi-instance deployments the day-keyed counter moves to
// Redis so every instance reserves against the same number. The
// check-and-increment runs as a Lua script, which Redis executes atomically.
// Keys carry a TTL past the end of their day so stale counters clean
// themselves up.
package quota

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dayCounterTTL = 48 * time.Hour

// RedisCounter implements Counter on a Redis client.
type RedisCounter struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Counter = (*RedisCounter)(nil)

// RedisOption configures a RedisCounter.
type RedisOption func(*RedisCounter)

// WithKeyPrefix sets the Redis key prefix (default "bubbas:ops:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCounter) { c.keyPrefix = prefix }
}

// NewRedisCounter creates a Counter backed by the given Redis client.
func NewRedisCounter(client goredis.Cmdable, opts ...RedisOption) *RedisCounter {
	c := &RedisCounter{client: client, keyPrefix: "bubbas:ops:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCounter) key(userID, day string) string {
	return c.keyPrefix + userID + ":" + day
}

// reserveScript atomically increments the counter unless it reached limit.
// KEYS[1] = counter key
// ARGV[1] = limit (-1 = unlimited)
// ARGV[2] = ttl seconds
// Returns {count, 1} on success, {count, 0} when the limit is reached.
var reserveScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if limit >= 0 and used >= limit then
    return {used, 0}
end
used = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return {used, 1}
`)

// Reserve atomically increments the day counter unless it has reached limit.
func (c *RedisCounter) Reserve(ctx context.Context, userID, day string, limit int64) (int64, bool, error) {
	res, err := reserveScript.Run(ctx, c.client,
		[]string{c.key(userID, day)},
		limit, int64(dayCounterTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("quota/redis: reserve: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("quota/redis: unexpected reserve result: %v", res)
	}
	return res[0], res[1] == 1, nil
}

// Increment unconditionally increments the day counter.
func (c *RedisCounter) Increment(ctx context.Context, userID, day string) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.key(userID, day))
	pipe.Expire(ctx, c.key(userID, day), dayCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("quota/redis: increment: %w", err)
	}
	return nil
}

// Used returns the current day counter (0 if the key is absent).
func (c *RedisCounter) Used(ctx context.Context, userID, day string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(userID, day)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota/redis: used: %w", err)
	}
	return n, nil
}
