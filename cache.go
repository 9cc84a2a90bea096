package epubres

import (
	"context"
	"strings"
	"sync"
)

// CacheKey identifies a resolved resource in a Cache.
type CacheKey struct {
	// Generation is the deployment generation that wrote the entry.
	// Entries of other generations are removed by EvictStale.
	Generation string

	BundleID string
	Path     string
}

// Cache stores resolved resources across requests. Implementations must be
// safe for concurrent use. A failing Cache never breaks resolution: the
// Registry logs and counts store errors and treats lookup errors as misses.
type Cache interface {
	// Lookup returns the resource stored under key. ok is false on a miss.
	Lookup(ctx context.Context, key CacheKey) (res Resource, ok bool, err error)

	// Store saves res under key, replacing any previous value.
	Store(ctx context.Context, key CacheKey, res Resource) error

	// EvictStale deletes every entry whose generation differs from
	// generation and returns how many were removed.
	EvictStale(ctx context.Context, generation string) (int, error)

	// DeleteBundle deletes the entries of bundleID in generation.
	DeleteBundle(ctx context.Context, generation, bundleID string) error
}

// MemoryCache is a Cache held in process memory.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]Resource
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[CacheKey]Resource)}
}

// Lookup implements Cache.
func (c *MemoryCache) Lookup(_ context.Context, key CacheKey) (Resource, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok, nil
}

// Store implements Cache. The data is copied.
func (c *MemoryCache) Store(_ context.Context, key CacheKey, res Resource) error {
	res.Data = append([]byte(nil), res.Data...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = res
	return nil
}

// EvictStale implements Cache.
func (c *MemoryCache) EvictStale(_ context.Context, generation string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if key.Generation != generation {
			delete(c.entries, key)
			n++
		}
	}
	return n, nil
}

// DeleteBundle implements Cache.
func (c *MemoryCache) DeleteBundle(_ context.Context, generation, bundleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.Generation == generation && key.BundleID == bundleID {
			delete(c.entries, key)
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// keySeparator joins CacheKey parts in encoded keys.
const keySeparator = "\x00"

// validKeyPart reports whether s can be used as a generation or bundle ID
// component of an encoded key.
func validKeyPart(s string) bool {
	return s != "" && !strings.Contains(s, keySeparator)
}
