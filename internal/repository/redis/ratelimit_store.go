package redis

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"luki-gateway/internal/client"
	"luki-gateway/internal/ratelimit"
)

const rateLimitPrefix = "rate_limit:"

// slidingWindowScript atomically prunes the identity's window, counts the
// survivors, and records the new request when under the limit. Scores and
// members are microsecond timestamps; the member carries a sequence suffix
// so concurrent requests in the same tick are counted separately.
//
// Returns {allowed, count, oldest_score}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    if oldest == 0 then
        oldest = now
    end
    return {1, count + 1, oldest}
end

return {0, count, oldest}
`

// RateLimitStore is the shared sliding-window backing store. One sorted set
// per identity key; entries age out by score.
type RateLimitStore struct {
	client *client.RedisClient
	seq    atomic.Int64
}

func NewRateLimitStore(c *client.RedisClient) *RateLimitStore {
	return &RateLimitStore{client: c}
}

// TakeSlot implements ratelimit.Store.
func (s *RateLimitStore) TakeSlot(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Result, error) {
	now := time.Now()
	nowMicro := now.UnixMicro()
	member := fmt.Sprintf("%d-%d", nowMicro, s.seq.Add(1))

	raw, err := s.client.Eval(ctx, slidingWindowScript,
		[]string{rateLimitPrefix + key},
		nowMicro, window.Microseconds(), limit, member,
	)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("sliding window script failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return ratelimit.Result{}, fmt.Errorf("unexpected sliding window result: %v", raw)
	}

	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	oldest, _ := vals[2].(int64)

	res := ratelimit.Result{
		Allowed: allowed == 1,
		Count:   int(count),
	}
	if oldest > 0 {
		res.Oldest = time.UnixMicro(oldest)
	}
	return res, nil
}
