package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript implements a multi-bucket token-bucket acquire atomically.
// Each bucket is a hash {tokens, ts_us}. All buckets are refilled and checked
// first; tokens are only consumed if every bucket admits.
//
// KEYS: one per bucket
// ARGV: per bucket [per_minute, burst], appended with [ttl_seconds]
// Returns: {1, 0} on admit, {0, retry_after_ms} on deny
var acquireScript = redis.NewScript(`
local n = #KEYS
local ttl = tonumber(ARGV[2*n + 1])
local t = redis.call('TIME')
local now_us = tonumber(t[1]) * 1000000 + tonumber(t[2])

local tokens = {}

for i = 1, n do
    local rate = tonumber(ARGV[2*i - 1]) / 60.0
    local burst = tonumber(ARGV[2*i])

    local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts_us')
    local cur = tonumber(state[1])
    local ts = tonumber(state[2])
    if cur == nil then
        cur = burst
        ts = now_us
    end

    local elapsed = (now_us - ts) / 1000000.0
    if elapsed > 0 then
        cur = math.min(burst, cur + elapsed * rate)
    end
    tokens[i] = cur

    if cur < 1 then
        local retry_ms = 60000
        if rate > 0 then
            retry_ms = math.ceil((1 - cur) / rate * 1000)
        end
        return {0, retry_ms}
    end
end

for i = 1, n do
    redis.call('HSET', KEYS[i], 'tokens', tokens[i] - 1, 'ts_us', now_us)
    redis.call('EXPIRE', KEYS[i], ttl)
end

return {1, 0}
`)

// RedisLimiter is a distributed token-bucket limiter for horizontally scaled
// deployments. Bucket state lives in Redis; the Lua script keeps the multi-key
// check-then-consume atomic across instances.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client}, nil
}

func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Acquire(ctx context.Context, keys ...Key) (bool, time.Duration, error) {
	redisKeys := make([]string, len(keys))
	args := make([]interface{}, 0, 2*len(keys)+1)

	for i, key := range keys {
		redisKeys[i] = "ratelimit:" + key.ID
		args = append(args, key.Quota.PerMinute, key.Quota.Burst)
	}
	// Idle buckets expire after two refill windows.
	args = append(args, 120)

	res, err := acquireScript.Run(ctx, l.client, redisKeys, args...).Slice()
	if err != nil {
		return false, 0, err
	}

	allowed := toInt64(res[0]) == 1
	retryMs := toInt64(res[1])

	return allowed, time.Duration(retryMs) * time.Millisecond, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
