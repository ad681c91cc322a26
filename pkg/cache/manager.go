package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager handles caching operations with Redis backend.
type Manager struct {
	redis redis.UniversalClient
}

// NewManager creates a new cache manager with Redis backend.
func NewManager(redisClient redis.UniversalClient) *Manager {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Manager{
		redis: redisClient,
	}
}

// Get retrieves a cache entry by key. Stale entries are returned too; callers
// check IsExpired and revalidate. Returns ErrCacheMiss if nothing is stored.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		_ = m.Delete(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if !entry.IsExpired() {
		CacheHits.WithLabelValues("redis").Inc()
	}

	return &entry, nil
}

// Set stores an entry. Redis keeps it for its freshness plus StaleRetention.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := entry.TTL() + StaleRetention
	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))

	return nil
}

// Delete removes a cache entry.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Refresh renews an entry after a 304 Not Modified. Freshness is recomputed
// from the 304's headers and a new ETag, if sent, replaces the old one.
func (m *Manager) Refresh(ctx context.Context, key CacheKey, entry *CacheEntry, header http.Header) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	NotModifiedResponses.Inc()

	refreshed, ok := ResponseToEntry(http.StatusOK, mergeHeaders(entry.Headers, header), entry.Data)
	if !ok {
		return m.Delete(ctx, key)
	}
	*entry = *refreshed

	return m.Set(ctx, key, entry)
}

// mergeHeaders overlays the validator and freshness headers from a 304 onto the stored ones.
func mergeHeaders(stored, update http.Header) http.Header {
	merged := stored.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for _, name := range []string{"Cache-Control", "Expires", "ETag", "Last-Modified", "Date"} {
		if v := update.Get(name); v != "" {
			merged.Set(name, v)
		}
	}
	return merged
}
