package geo

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how stale a cached lookup may be before it is lazily
// evicted on read.
const DefaultTTL = 10 * time.Minute

// Cache stores radius-lookup results keyed by the query. Implementations
// must be safe for concurrent use. InvalidateProfessional removes every
// entry whose result set references the professional; it is called on
// location updates.
type Cache interface {
	Get(ctx context.Context, key string) ([]Result, bool)
	Set(ctx context.Context, key string, results []Result)
	InvalidateProfessional(ctx context.Context, professionalID string)
}

type memoryEntry struct {
	results []Result
	ts      time.Time
}

// MemoryCache is the in-process default.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]memoryEntry
	ttl   time.Duration
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{store: make(map[string]memoryEntry), ttl: ttl}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]Result, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.results, true
}

func (c *MemoryCache) Set(ctx context.Context, key string, results []Result) {
	c.mu.Lock()
	c.store[key] = memoryEntry{results: results, ts: time.Now()}
	c.mu.Unlock()
}

// InvalidateProfessional scans all entries and drops any that mention the
// professional. Correctness over big-O: the cache is small and bounded by
// the TTL.
func (c *MemoryCache) InvalidateProfessional(ctx context.Context, professionalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.store {
		for _, r := range e.results {
			if r.Professional.ID == professionalID {
				delete(c.store, key)
				break
			}
		}
	}
}

// Len is a test helper.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
