package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the capability result cache behaviour.
type CacheConfig struct {
	// MaxSize is the maximum number of entries in the LRU cache.
	MaxSize int
	// TTL is how long a cached payload remains valid.
	TTL time.Duration
}

// cacheEntry holds a cached payload along with the timestamp it was stored.
type cacheEntry struct {
	payload  Payload
	storedAt time.Time
}

// cachedClient wraps a capability Client with an LRU result cache keyed by
// (capability name + reference + prompt). Evidence references are stable
// URLs, so repeated requests over the same study reuse the remote result.
type cachedClient struct {
	name     string
	delegate Client
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
}

// NewCachedClient wraps delegate with an LRU result cache. Zero config values
// fall back to defaults.
func NewCachedClient(name string, delegate Client, config CacheConfig) Client {
	if delegate == nil {
		return nil
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		return delegate
	}
	return &cachedClient{
		name:     name,
		delegate: delegate,
		cache:    cache,
		ttl:      config.TTL,
	}
}

func (c *cachedClient) Invoke(ctx context.Context, req Request) (*Payload, error) {
	key := c.cacheKey(req)

	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			// Cache hit. Return a copy so callers cannot mutate the entry.
			payload := entry.payload
			payload.Data = cloneData(entry.payload.Data)
			return &payload, nil
		}
		// Expired. Evict so the LRU bookkeeping stays clean.
		c.cache.Remove(key)
	}

	payload, err := c.delegate.Invoke(ctx, req)
	if err != nil {
		return payload, err
	}
	if payload != nil {
		c.cache.Add(key, cacheEntry{
			payload:  Payload{Text: payload.Text, Data: cloneData(payload.Data)},
			storedAt: time.Now(),
		})
	}
	return payload, nil
}

// cacheKey produces a deterministic key from the request fields that affect
// the remote result.
func (c *cachedClient) cacheKey(req Request) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		c.name,
		req.Reference,
		req.Prompt,
		req.Language,
		strings.Join(req.Candidates, ","),
	)
}

// cloneData performs a shallow copy so cached entries do not alias caller maps.
func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ Client = (*cachedClient)(nil)
