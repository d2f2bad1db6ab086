package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"exchange-service/internal/client"
	"exchange-service/internal/util"
)

const rateLimitPrefix = "exchange:rate_limit:"

// Sliding window over a sorted set of request timestamps. Members carry a
// random suffix so bursts inside one millisecond are all counted.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local current_count = redis.call('ZCARD', key)
if current_count < limit then
	redis.call('ZADD', key, now, ARGV[5])
	redis.call('PEXPIRE', key, ARGV[4])
	return {1, current_count + 1}
end
return {0, current_count}
`)

type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

// SlidingWindowRateLimit admits at most limit calls per key in any window.
// It returns whether this call was admitted and the count inside the window.
func (c *RateLimitCache) SlidingWindowRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	ctx, cancel := c.client.WithContext(ctx, storeCallTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	result, err := c.client.RunScript(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, windowStart, limit, window.Milliseconds(), member)
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}

	allowed := resultSlice[0].(int64) == 1
	currentCount := int(resultSlice[1].(int64))

	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", currentCount),
		zap.Int("limit", limit))

	return allowed, currentCount, nil
}
