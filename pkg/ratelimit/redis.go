package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// quantizedTokenBucketScript mirrors bucket.allow but runs atomically inside
// Redis, so a fleet of sidecars shares one bucket per actor. KEYS[1] is the
// bucket hash key; ARGV is rate (tokens/sec), capacity, cost, now (unix
// seconds, float), ttl (seconds) for key expiry once the bucket goes idle.
const quantizedTokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last_refill = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
  local earned = elapsed * rate
  if earned >= 1.0 then
    tokens = tokens + earned
    if tokens > capacity then
      tokens = capacity
    end
    last_refill = now
  end
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`

// RedisStore is a Store backed by a shared Redis instance, for deployments
// running more than one sidecar against the same tenant population.
type RedisStore struct {
	client    *redis.Client
	script    *redis.Script
	keyPrefix string
	now       func() float64
}

// NewRedisStore creates a Redis-backed rate limit store.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		script:    redis.NewScript(quantizedTokenBucketScript),
		keyPrefix: "vac:ratelimit:",
		now:       nowUnixFloat,
	}
}

// Allow implements Store.
func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	if policy.Window <= 0 {
		return false, fmt.Errorf("ratelimit: policy window must be positive")
	}
	rate := float64(policy.Capacity) / policy.Window.Seconds()
	key := s.keyPrefix + actorID
	ttl := int(policy.Window.Seconds()*2) + 60

	res, err := s.script.Run(ctx, s.client, []string{key}, rate, policy.Capacity, cost, s.now(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}

	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected script result type %T", res)
	}
	return allowed == 1, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
