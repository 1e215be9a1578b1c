package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/tickets/config"
	"example.com/backstage/tickets/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrMiss is returned when a key is absent or the cache is disabled
var ErrMiss = errors.New("cache miss")

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
		ttl:     cfg.TTL,
	}, nil
}

// Enabled reports whether a Redis connection is configured
func (c *RedisCache) Enabled() bool {
	return c.enabled
}

// Get retrieves a JSON value from cache
func (c *RedisCache) Get(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return ErrMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return ErrMiss
		}
		return errors.Wrap(err, "failed to get value from Redis")
	}

	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrap(err, "failed to unmarshal cached value")
	}
	return nil
}

// Set stores a JSON value in cache with optional expiration
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to marshal value for caching")
	}

	if err := c.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return errors.Wrap(err, "failed to set value in Redis")
	}
	return nil
}

// Delete removes keys from cache
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if !c.enabled || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete keys from Redis")
	}
	return nil
}

// GetPublishedEvent returns a cached published event or ErrMiss
func (c *RedisCache) GetPublishedEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	if err := c.Get(ctx, GetPublishedEventCacheKey(id), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// SetPublishedEvent caches a published event for the configured TTL
func (c *RedisCache) SetPublishedEvent(ctx context.Context, event *models.Event) error {
	return c.Set(ctx, GetPublishedEventCacheKey(event.ID), event, c.ttl)
}

// InvalidateEvent drops every cached view of an event
func (c *RedisCache) InvalidateEvent(ctx context.Context, id uuid.UUID) error {
	return c.Delete(ctx, GetPublishedEventCacheKey(id))
}

// GetPublishedEventCacheKey generates a cache key for a published event
func GetPublishedEventCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("published-event:%s", id.String())
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}
	return c.client.Close()
}
