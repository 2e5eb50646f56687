package cache

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the primary durable backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend stores plain keys as strings and ring buffers as capped lists.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects and pings; a dead server fails construction so the
// caller can fall back to another backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis cache: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *RedisBackend) GetRange(ctx context.Context, key string, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	return b.client.LRange(ctx, key, 0, count-1).Result()
}

func (b *RedisBackend) PushCapped(ctx context.Context, key, value string, limit int64) error {
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, key, value)
	if limit > 0 {
		pipe.LTrim(ctx, key, 0, limit-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
