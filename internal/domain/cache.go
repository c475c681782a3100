package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require institutionID for strict institution isolation.
//
// The main entries are the per-institution ParsingConfig (read on every parse
// and dedup pass, invalidated on settings update) and the short-lived
// duplicate cluster index.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, institutionID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, institutionID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache. Used for explicit invalidation when
	// settings change or clusters are resolved.
	Delete(ctx context.Context, institutionID string, key string) error

	// GetParsingConfig retrieves a cached parsing configuration.
	// Returns nil, nil on a miss.
	GetParsingConfig(ctx context.Context, institutionID string) (*ParsingConfig, error)

	// SetParsingConfig caches a parsing configuration.
	SetParsingConfig(ctx context.Context, institutionID string, cfg *ParsingConfig, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Cache keys shared between writers and invalidators.
const (
	CacheKeyParsingConfig = "parsing_config"
	CacheKeyDuplicates    = "duplicate_clusters"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
