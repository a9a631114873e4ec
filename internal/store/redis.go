package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"abuse-guard/internal/config"
)

// windowScript trims, inserts, counts and refreshes expiry in one step.
// ARGV: score, exclusive cutoff ("(" + now-window), member, window ms.
var windowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
local count = redis.call('ZCARD', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return count
`)

// casScript replaces a value only if it still matches, keeping its TTL.
// Returns -1 when the key is missing, 0 on mismatch, 1 on swap.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return -1
end
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisClient implements Client on go-redis.
type RedisClient struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisClientFrom(client, cfg.KeyPrefix), nil
}

// NewRedisClientFrom wraps an existing go-redis client. Every key is
// namespaced with prefix.
func NewRedisClientFrom(client *redis.Client, prefix string) *RedisClient {
	return &RedisClient{client: client, prefix: prefix}
}

func (r *RedisClient) key(k string) string {
	return r.prefix + k
}

// WindowAdd implements Client.
func (r *RedisClient) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	nowMs := Millis(now)
	cutoff := "(" + strconv.FormatInt(nowMs-window.Milliseconds(), 10)
	return windowScript.Run(ctx, r.client, []string{r.key(key)},
		strconv.FormatInt(nowMs, 10), cutoff, member, strconv.FormatInt(window.Milliseconds(), 10),
	).Int64()
}

// Set implements Client.
func (r *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

// SetNX implements Client.
func (r *RedisClient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), value, ttl).Result()
}

// Get implements Client.
func (r *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

// Exists implements Client.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

// Delete implements Client.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) (int64, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	return r.client.Del(ctx, prefixed...).Result()
}

// CompareAndSwap implements Client.
func (r *RedisClient) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	res, err := casScript.Run(ctx, r.client, []string{r.key(key)}, expected, value).Int64()
	if err != nil {
		return false, err
	}
	switch res {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// ZAdd implements Client.
func (r *RedisClient) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, r.key(key), redis.Z{Score: score, Member: member}).Err()
}

// ZRevRange implements Client.
func (r *RedisClient) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRevRange(ctx, r.key(key), start, stop).Result()
}

// ZRem implements Client.
func (r *RedisClient) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return r.client.ZRem(ctx, r.key(key), vals...).Err()
}

// ZRemRangeByScore implements Client.
func (r *RedisClient) ZRemRangeByScore(ctx context.Context, key string, max float64) (int64, error) {
	return r.client.ZRemRangeByScore(ctx, r.key(key), "-inf", "("+strconv.FormatFloat(max, 'f', -1, 64)).Result()
}

// Ping implements Client.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
