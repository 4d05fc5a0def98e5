package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tenderflow/backend/pkg/logger"
)

const keyPrefix = "tenderflow:"

// Client is the shared cache layer and the fan-out channel for task progress events.
type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("Redis get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	logger.Debug("Redis cache hit", zap.String("key", key))
	return data, true
}

func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.client.Set(ctx, keyPrefix+key, value, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// InvalidatePrefix removes every key under prefix, e.g. all cached replies of one model.
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	iter := c.client.Scan(ctx, 0, keyPrefix+prefix+"*", 0).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}
	return removed, nil
}

func progressChannel(taskID string) string {
	return keyPrefix + "progress:" + taskID
}

func (c *Client) PublishProgress(ctx context.Context, taskID string, payload []byte) error {
	return c.client.Publish(ctx, progressChannel(taskID), payload).Err()
}

// SubscribeProgress streams progress payloads for a task until ctx is done.
func (c *Client) SubscribeProgress(ctx context.Context, taskID string) (<-chan []byte, error) {
	sub := c.client.Subscribe(ctx, progressChannel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
