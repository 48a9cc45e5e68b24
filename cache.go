package fieldsync

import (
	"context"
	"crypto/sha256"
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// CacheConfig configures the cache store.
type CacheConfig struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DefaultTTL: 5 * time.Minute,
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	HitCount     int64 `json:"hit_count"`
	MissCount    int64 `json:"miss_count"`
	ExpiredCount int64 `json:"expired_count"`
	StaleReads   int64 `json:"stale_reads"`
	WriteCount   int64 `json:"write_count"`
	DeleteCount  int64 `json:"delete_count"`
}

// CacheStore is a key/value store with explicit expiration on top of the
// persistent LocalStore. Get enforces TTL; GetIgnoringExpiration is the
// offline degradation path that serves the last good payload regardless of
// expiry. Writes are last-write-wins: concurrent writers never merge.
//
// TTL classes are policy, not mechanism: callers pick short TTLs for volatile
// resources and long TTLs for resources backing a prepared offline window.
type CacheStore struct {
	store  LocalStore
	config CacheConfig

	hitCount     atomic.Int64
	missCount    atomic.Int64
	expiredCount atomic.Int64
	staleReads   atomic.Int64
	writeCount   atomic.Int64
	deleteCount  atomic.Int64

	now func() time.Time
}

// NewCacheStore creates a cache store over the given persistent store.
func NewCacheStore(store LocalStore, cfg CacheConfig) *CacheStore {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return &CacheStore{
		store:  store,
		config: cfg,
		now:    time.Now,
	}
}

// ResourceKey derives a deterministic cache key from a logical resource
// identifier: endpoint path plus normalized query parameters. Reads and the
// bulk preparer must agree on addressing, so parameters are sorted before
// hashing.
func ResourceKey(endpoint string, params map[string]string) string {
	raw := endpoint
	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			raw += fmt.Sprintf("|%s=%s", name, params[name])
		}
	}
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", hash[:16])
}

// Get returns the payload for key, or ErrCacheMiss if absent or expired.
func (c *CacheStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.store.GetEntry(ctx, key)
	if err != nil {
		if err == ErrCacheMiss {
			c.missCount.Add(1)
		}
		return nil, err
	}
	if entry.Expired(c.now()) {
		c.expiredCount.Add(1)
		c.missCount.Add(1)
		return nil, ErrCacheMiss
	}
	c.hitCount.Add(1)
	return entry.Payload, nil
}

// GetIgnoringExpiration returns the payload for key even when expired. Used
// only as an offline degradation path; the caller decides when staleness is
// acceptable.
func (c *CacheStore) GetIgnoringExpiration(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.store.GetEntry(ctx, key)
	if err != nil {
		if err == ErrCacheMiss {
			c.missCount.Add(1)
		}
		return nil, err
	}
	if entry.Expired(c.now()) {
		c.staleReads.Add(1)
	}
	c.hitCount.Add(1)
	return entry.Payload, nil
}

// Entry returns the full cache entry including timestamps, honoring TTL
// semantics like Get unless ignoreExpiration is set.
func (c *CacheStore) Entry(ctx context.Context, key string, ignoreExpiration bool) (*CacheEntry, error) {
	entry, err := c.store.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ignoreExpiration && entry.Expired(c.now()) {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Set stores a payload with the given TTL, replacing any previous entry for
// the key unconditionally. A zero TTL falls back to the configured default.
func (c *CacheStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.now()
	err := c.store.PutEntry(ctx, CacheEntry{
		Key:       key,
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return err
	}
	c.writeCount.Add(1)
	return nil
}

// Delete removes the entry for key.
func (c *CacheStore) Delete(ctx context.Context, key string) error {
	if err := c.store.DeleteEntry(ctx, key); err != nil {
		return err
	}
	c.deleteCount.Add(1)
	return nil
}

// Stats returns cache statistics.
func (c *CacheStore) Stats() CacheStats {
	return CacheStats{
		HitCount:     c.hitCount.Load(),
		MissCount:    c.missCount.Load(),
		ExpiredCount: c.expiredCount.Load(),
		StaleReads:   c.staleReads.Load(),
		WriteCount:   c.writeCount.Load(),
		DeleteCount:  c.deleteCount.Load(),
	}
}

// CacheableResponse reports whether a fetched response may be written to the
// cache: a 2xx status with a JSON content type. Captive portals and
// misconfigured proxies serve HTML error pages at 200; writing those would
// corrupt the cache.
func CacheableResponse(status int, contentType string) bool {
	if status < 200 || status >= 300 {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
