package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"luki-gateway/internal/client"
	"luki-gateway/internal/quota"
)

const quotaPrefix = "daily_quota:"

// quotaIncrementScript resets the hash to (now, 1) when the stored window has
// lapsed, otherwise increments the count. Returns {window_start, count}.
const quotaIncrementScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local start = tonumber(redis.call('HGET', key, 'window_start'))
local count = tonumber(redis.call('HGET', key, 'count'))

if not start or now - start >= window then
    start = now
    count = 1
    redis.call('HSET', key, 'window_start', start, 'count', count)
else
    count = redis.call('HINCRBY', key, 'count', 1)
end

redis.call('EXPIRE', key, window * 2)
return {start, count}
`

// QuotaStore is the shared daily-quota backing store: one small hash per
// user, holding only the window anchor and a count.
type QuotaStore struct {
	client *client.RedisClient
}

func NewQuotaStore(c *client.RedisClient) *QuotaStore {
	return &QuotaStore{client: c}
}

// Usage implements quota.Store.
func (s *QuotaStore) Usage(ctx context.Context, key string) (quota.Snapshot, bool, error) {
	fields, err := s.client.HGetAll(ctx, quotaPrefix+key)
	if err != nil {
		return quota.Snapshot{}, false, fmt.Errorf("quota read failed: %w", err)
	}
	if len(fields) == 0 {
		return quota.Snapshot{}, false, nil
	}

	start, err := strconv.ParseInt(fields["window_start"], 10, 64)
	if err != nil {
		return quota.Snapshot{}, false, fmt.Errorf("invalid quota window_start %q: %w", fields["window_start"], err)
	}
	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return quota.Snapshot{}, false, fmt.Errorf("invalid quota count %q: %w", fields["count"], err)
	}

	return quota.Snapshot{WindowStart: time.Unix(start, 0), Count: count}, true, nil
}

// Increment implements quota.Store.
func (s *QuotaStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (quota.Snapshot, error) {
	raw, err := s.client.Eval(ctx, quotaIncrementScript,
		[]string{quotaPrefix + key},
		now.Unix(), int64(window.Seconds()),
	)
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("quota increment script failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return quota.Snapshot{}, fmt.Errorf("unexpected quota increment result: %v", raw)
	}

	start, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	return quota.Snapshot{WindowStart: time.Unix(start, 0), Count: int(count)}, nil
}
