package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching. With multiple
// engine nodes, deleting a key here is what makes settings invalidation
// visible to every node.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, institutionID string, key string) ([]byte, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("institutionID is required")
	}

	fullKey := c.makeKey(institutionID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, institutionID string, key string, value []byte, ttl time.Duration) error {
	if institutionID == "" {
		return fmt.Errorf("institutionID is required")
	}

	fullKey := c.makeKey(institutionID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, institutionID string, key string) error {
	if institutionID == "" {
		return fmt.Errorf("institutionID is required")
	}

	fullKey := c.makeKey(institutionID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetParsingConfig retrieves a cached parsing configuration.
func (c *RedisCache) GetParsingConfig(ctx context.Context, institutionID string) (*domain.ParsingConfig, error) {
	data, err := c.Get(ctx, institutionID, domain.CacheKeyParsingConfig)
	if err != nil || data == nil {
		return nil, err
	}

	var cfg domain.ParsingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetParsingConfig caches a parsing configuration.
func (c *RedisCache) SetParsingConfig(ctx context.Context, institutionID string, cfg *domain.ParsingConfig, ttl time.Duration) error {
	bytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.Set(ctx, institutionID, domain.CacheKeyParsingConfig, bytes, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(institutionID, key string) string {
	return "ibis:" + institutionID + ":" + key
}
