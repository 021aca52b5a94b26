package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per key, scored by acceptance time
// in milliseconds. Arguments are passed as strings to keep full precision.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local cutoff = ARGV[2]
local capacity = tonumber(ARGV[3])
local period = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', cutoff)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < capacity then
  redis.call('ZADD', key, now, ARGV[5])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, period)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
  oldestScore = oldest[2]
end
return {allowed, count, oldestScore}
`)

// RedisStore shares buckets across replicas and survives restarts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, p Policy, now time.Time) (Decision, error) {
	nowMs := now.UnixMilli()
	periodMs := p.Period.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-periodMs, 10),
		strconv.Itoa(p.Capacity),
		strconv.FormatInt(periodMs, 10),
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest, err := parseScore(res[2])
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   allowed == 1,
		Remaining: p.Capacity - int(count),
		ResetAt:   time.UnixMilli(oldest).Add(p.Period),
	}, nil
}

func parseScore(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("rate limit script: bad score %q: %w", t, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("rate limit script: bad score type %T", v)
	}
}
