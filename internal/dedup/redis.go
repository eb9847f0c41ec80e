package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "chatgate:dedup:"

// KeyStore is the subset of redis.Cmdable the guard needs.
type KeyStore interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard shares seen keys across replicas with SET NX and a TTL.
type RedisGuard struct {
	client KeyStore
	ttl    time.Duration
}

func NewRedisGuard(client KeyStore, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) FirstSeen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	ok, err := g.client.SetNX(ctx, redisPrefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return ok, nil
}

func (g *RedisGuard) Forget(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := g.client.Del(ctx, redisPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
