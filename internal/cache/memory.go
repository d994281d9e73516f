package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryCache implements CacheBackend using sync.Map
type MemoryCache struct {
	data            sync.Map
	maxSize         int
	cleanupInterval time.Duration
	stopCh          chan struct{}
	closeOnce       sync.Once
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memoryCacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	mc := &MemoryCache{
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go mc.cleanupLoop()
	return mc
}

func (m *MemoryCache) load(key string, now time.Time) ([]byte, bool) {
	val, ok := m.data.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*memoryCacheEntry)
	if entry.expired(now) {
		m.data.CompareAndDelete(key, val)
		return nil, false
	}
	return entry.value, true
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok := m.load(key, time.Now())
	return value, ok, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, &memoryCacheEntry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.data.Delete(key)
	return nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	now := time.Now()
	for _, key := range keys {
		if value, ok := m.load(key, now); ok {
			result[key] = value
		}
	}
	return result, nil
}

func (m *MemoryCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	for key, value := range items {
		m.data.Store(key, &memoryCacheEntry{value: value, expiresAt: expiresAt})
	}
	return nil
}

func (m *MemoryCache) Clear(ctx context.Context, prefix string) error {
	m.data.Range(func(key, _ interface{}) bool {
		if k := key.(string); strings.HasPrefix(k, prefix) {
			m.data.Delete(k)
		}
		return true
	})
	return nil
}

func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

type memoryKeyExpiry struct {
	key       string
	expiresAt time.Time
}

func (m *MemoryCache) cleanup() {
	now := time.Now()
	var live []memoryKeyExpiry

	m.data.Range(func(key, value interface{}) bool {
		k := key.(string)
		entry := value.(*memoryCacheEntry)
		if entry.expired(now) {
			m.data.Delete(k)
		} else {
			live = append(live, memoryKeyExpiry{k, entry.expiresAt})
		}
		return true
	})

	// Enforce max size by evicting entries closest to expiry
	if m.maxSize > 0 && len(live) > m.maxSize {
		sort.Slice(live, func(i, j int) bool {
			return live[i].expiresAt.Before(live[j].expiresAt)
		})
		for _, e := range live[:len(live)-m.maxSize] {
			m.data.Delete(e.key)
		}
	}
}
