// Package ingest is the intake half of the pipeline: it drains raw analytics
// events from the collector queue, validates them, and lands them in the
// analytical store in batches. Delivery is at-least-once; duplicates are
// tolerated downstream.
package ingest

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ConsumerConfig configures the queue consumer.
type ConsumerConfig struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops raw event payloads from a Redis list queue.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a consumer for the event queue.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("ingest queue key is required")
	}
	if cfg.BlockTimeout == 0 {
		cfg.BlockTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Pop pops one payload from the queue, or nil on timeout.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
