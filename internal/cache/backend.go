package cache

import (
	"context"
	"log/slog"
	"time"
)

// CacheBackend defines the interface for cache implementations
type CacheBackend interface {
	// Get retrieves a value from the cache
	// Returns (value, found, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value in the cache with the given TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// GetMultiple retrieves multiple values from the cache
	// Returns a map of found keys to values
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)

	// SetMultiple stores multiple values with the given TTL
	SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error

	// Clear removes every key starting with prefix
	Clear(ctx context.Context, prefix string) error

	// Close closes the cache connection
	Close() error
}

// NewBackend returns a Redis backend when redisURL is set, falling back to memory
func NewBackend(redisURL, keyPrefix string, cfg CacheConfig) CacheBackend {
	if redisURL != "" {
		rc, err := NewRedisCache(redisURL, keyPrefix)
		if err == nil {
			slog.Info("cache backend initialized", "backend", "redis")
			return rc
		}
		slog.Warn("redis unavailable, falling back to memory cache", "error", err)
	}
	slog.Info("cache backend initialized", "backend", "memory", "max_entries", cfg.MaxEntries)
	return NewMemoryCache(cfg.MaxEntries, cfg.CleanupInterval)
}
