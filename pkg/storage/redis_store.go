package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis client.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient builds a client and verifies connectivity with a PING.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// fixedWindowScript performs increment-and-compare in one round trip.
// The first hit in a window creates the key with a PX expiry; denied calls leave the counter untouched.
// Returns {allowed, count, pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local current = tonumber(redis.call('GET', key) or '0')
if current + cost > limit then
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		ttl = window
	end
	return {0, current, ttl}
end

local count = redis.call('INCRBY', key, cost)
local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end
return {1, count, ttl}
`)

// RedisCounterStore keeps fixed-window counters in Redis so that every gateway
// instance enforces the same quota.
type RedisCounterStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCounterStore creates a counter store on top of an existing client.
func NewRedisCounterStore(client redis.UniversalClient, keyPrefix string) *RedisCounterStore {
	return &RedisCounterStore{client: client, keyPrefix: keyPrefix + "rl:"}
}

// Increment runs the fixed-window script for key.
func (s *RedisCounterStore) Increment(ctx context.Context, key string, cost, limit int64, window time.Duration) (WindowResult, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.keyPrefix + key}, windowMs, limit, cost).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("storage: rate counter script: %w", err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return WindowResult{}, fmt.Errorf("storage: unexpected rate counter reply %v", res)
	}
	allowed, ok1 := values[0].(int64)
	count, ok2 := values[1].(int64)
	ttl, ok3 := values[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return WindowResult{}, fmt.Errorf("storage: unexpected rate counter reply %v", values)
	}

	return WindowResult{
		Allowed: allowed == 1,
		Count:   count,
		ResetIn: time.Duration(ttl) * time.Millisecond,
	}, nil
}

// Sweep is a no-op: Redis expires counters itself.
func (s *RedisCounterStore) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Close releases the underlying client.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

// RedisResponseStore keeps cached responses in Redis with a PX expiry.
type RedisResponseStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisResponseStore creates a response store on top of an existing client.
func NewRedisResponseStore(client redis.UniversalClient, keyPrefix string) *RedisResponseStore {
	return &RedisResponseStore{client: client, keyPrefix: keyPrefix + "cache:"}
}

// Get fetches a cached value; a missing key is a miss, not an error.
func (s *RedisResponseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: cache get: %w", err)
	}
	return value, true, nil
}

// Set stores value until ttl elapses.
func (s *RedisResponseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("storage: cache set: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis expires entries itself.
func (s *RedisResponseStore) Sweep(_ context.Context) (int, error) {
	return 0, nil
}

// Close releases the underlying client.
func (s *RedisResponseStore) Close() error {
	return s.client.Close()
}
