package cache

import "time"

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	MetadataTTL     time.Duration // user metadata entries, including negative entries
	RelayInfoTTL    time.Duration
	RelayInfoFail   time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MetadataTTL:     7 * 24 * time.Hour, // freshness is decided by Loaded, not TTL
		RelayInfoTTL:    1 * time.Hour,
		RelayInfoFail:   5 * time.Minute,
		MaxEntries:      50000,
		CleanupInterval: 5 * time.Minute,
	}
}
