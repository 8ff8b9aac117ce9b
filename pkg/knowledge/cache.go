package knowledge

import (
	"sync"
	"time"
)

// cacheEntry holds cached snippets with a timestamp for TTL expiration.
type cacheEntry struct {
	snippets  []Snippet
	fetchedAt time.Time
}

// queryCache is a thread-safe in-memory cache for retrieval results.
// The knowledge base is static within a mission, so identical queries
// from different subtasks can share one round trip. Expired entries are
// cleaned up lazily on get() — no background goroutine.
type queryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *queryCache) get(key string) ([]Snippet, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Expired — clean up lazily.
		// Re-check under write lock: a concurrent set() may have replaced
		// the entry with a fresh one between RUnlock and Lock.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.snippets, true
}

func (c *queryCache) set(key string, snippets []Snippet) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		snippets:  snippets,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
}
