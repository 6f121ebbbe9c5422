package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCapacityCounter is a CapacityCounter kept in Redis, for deployments
// where several engine replicas admit purchases. Each scope has a committed
// integer key and a sorted set of reservations scored by expiry (unix ms).
// Every mutation is a Lua script and therefore atomic.
type RedisCapacityCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCapacityCounter creates a counter with keys under prefix.
func NewRedisCapacityCounter(client redis.UniversalClient, prefix string) *RedisCapacityCounter {
	if prefix == "" {
		prefix = "entitlements"
	}
	return &RedisCapacityCounter{client: client, prefix: prefix}
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr, DB: db}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: ping failed: %w", addr, err)
	}
	return client, nil
}

// KEYS[1] committed, KEYS[2] reservations
// ARGV[1] now, ARGV[2] ceiling, ARGV[3] expiry, ARGV[4] reservation id
var reserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local committed = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = redis.call('ZCARD', KEYS[2])
if committed + reserved >= tonumber(ARGV[2]) then
	return 0
end
if redis.call('ZSCORE', KEYS[2], ARGV[4]) then
	return -1
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] committed, KEYS[2] reservations
// ARGV[1] now, ARGV[2] reservation id
var commitScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[2])
if not score then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
if tonumber(score) <= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
return 1
`)

// KEYS[1] committed
var retireScript = redis.NewScript(`
local committed = tonumber(redis.call('GET', KEYS[1]) or '0')
if committed > 0 then
	return redis.call('DECR', KEYS[1])
end
return 0
`)

func (c *RedisCapacityCounter) keys(scope UnitScope) []string {
	return []string{
		fmt.Sprintf("%s:capacity:{%s}:committed", c.prefix, scope),
		fmt.Sprintf("%s:capacity:{%s}:reservations", c.prefix, scope),
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (c *RedisCapacityCounter) Reserve(ctx context.Context, r Reservation, ceiling int, now time.Time) (bool, error) {
	if r.ID == "" || !r.Scope.Valid() {
		return false, fmt.Errorf("reservation id and a valid scope are required")
	}
	n, err := reserveScript.Run(ctx, c.client, c.keys(r.Scope),
		millis(now), ceiling, millis(r.ExpiresAt), r.ID).Int()
	if err != nil {
		return false, fmt.Errorf("reserve capacity: %w", err)
	}
	if n < 0 {
		return false, fmt.Errorf("%w: reservation %s", ErrDuplicate, r.ID)
	}
	return n == 1, nil
}

func (c *RedisCapacityCounter) Commit(ctx context.Context, scope UnitScope, reservationID string, now time.Time) error {
	n, err := commitScript.Run(ctx, c.client, c.keys(scope), millis(now), reservationID).Int()
	if err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *RedisCapacityCounter) ForceCommit(ctx context.Context, scope UnitScope) error {
	if err := c.client.Incr(ctx, c.keys(scope)[0]).Err(); err != nil {
		return fmt.Errorf("increment committed: %w", err)
	}
	return nil
}

func (c *RedisCapacityCounter) Release(ctx context.Context, scope UnitScope, reservationID string) error {
	if err := c.client.ZRem(ctx, c.keys(scope)[1], reservationID).Err(); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (c *RedisCapacityCounter) Retire(ctx context.Context, scope UnitScope) error {
	if err := retireScript.Run(ctx, c.client, c.keys(scope)[:1]).Err(); err != nil {
		return fmt.Errorf("retire committed slot: %w", err)
	}
	return nil
}

func (c *RedisCapacityCounter) Usage(ctx context.Context, scope UnitScope, now time.Time) (CapacityUsage, error) {
	usage := CapacityUsage{Scope: scope}
	keys := c.keys(scope)

	committed, err := c.client.Get(ctx, keys[0]).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return usage, fmt.Errorf("query committed: %w", err)
	}
	reserved, err := c.client.ZCount(ctx, keys[1], "("+millis(now), "+inf").Result()
	if err != nil {
		return usage, fmt.Errorf("query reservations: %w", err)
	}
	usage.Committed = committed
	usage.Reserved = int(reserved)
	return usage, nil
}

func (c *RedisCapacityCounter) SetCommitted(ctx context.Context, scope UnitScope, committed int) error {
	if err := c.client.Set(ctx, c.keys(scope)[0], committed, 0).Err(); err != nil {
		return fmt.Errorf("set committed: %w", err)
	}
	return nil
}

var _ CapacityCounter = (*RedisCapacityCounter)(nil)
