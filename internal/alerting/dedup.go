package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Dedup grants one alert per key within a cooldown window.
type Dedup interface {
	// Allow reports whether key may fire now and, if so, starts its cooldown.
	Allow(ctx context.Context, key string, cooldown time.Duration) (bool, error)
	// Reset clears a key so the next alert fires immediately.
	Reset(ctx context.Context, key string) error
}

// MemoryDedup keeps cooldowns in process memory.
type MemoryDedup struct {
	cache *cache.Cache
}

// NewMemoryDedup builds an in-process cooldown store.
func NewMemoryDedup(defaultTTL time.Duration) *MemoryDedup {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &MemoryDedup{cache: cache.New(defaultTTL, defaultTTL*2)}
}

func (d *MemoryDedup) Allow(_ context.Context, key string, cooldown time.Duration) (bool, error) {
	// Add fails when a live entry exists, which makes check-and-set atomic
	if err := d.cache.Add(key, time.Now(), cooldown); err != nil {
		return false, nil
	}
	return true, nil
}

func (d *MemoryDedup) Reset(_ context.Context, key string) error {
	d.cache.Delete(key)
	return nil
}

// RedisDedup shares cooldowns between operator instances.
type RedisDedup struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisDedup connects to redisURL and verifies the connection.
func NewRedisDedup(redisURL, password string) (*RedisDedup, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisDedup{rdb: rdb, prefix: "kerne:alert:"}, nil
}

func (d *RedisDedup) Allow(ctx context.Context, key string, cooldown time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+key, time.Now().Unix(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (d *RedisDedup) Reset(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.prefix+key).Err()
}

// Close shuts down the Redis connection.
func (d *RedisDedup) Close() error {
	return d.rdb.Close()
}

var (
	_ Dedup = (*MemoryDedup)(nil)
	_ Dedup = (*RedisDedup)(nil)
)
