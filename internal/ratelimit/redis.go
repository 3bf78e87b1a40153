package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript mirrors Policy.apply. The record is a hash {start, count}
// expiring one window after it was opened.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local rec = redis.call('HMGET', KEYS[1], 'start', 'count')
local start = tonumber(rec[1])
local count = tonumber(rec[2])

if start == nil or count == nil or now - start >= window then
  redis.call('HSET', KEYS[1], 'start', now, 'count', 1)
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, 1, 0}
end

if count >= limit then
  return {0, count, window - (now - start)}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, 0}
`)

// RedisStore shares windows between replicas. The whole check runs inside
// one Lua script so Redis serializes concurrent requests for a key.
type RedisStore struct {
	client redis.Scripter
	policy Policy
	prefix string
}

type RedisOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(client redis.Scripter, policy Policy, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		policy: policy,
		prefix: "outlay:ratelimit",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	res, err := admitScript.Run(ctx, s.client,
		[]string{s.prefix + ":" + key},
		now.UnixMilli(), s.policy.Window.Milliseconds(), s.policy.Limit,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	vals := make([]int64, len(res))
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return Decision{}, fmt.Errorf("rate limit script: reply %d is %T", i, v)
		}
		vals[i] = n
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Count:      int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// NewRedisClient builds a client for the shared store from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
