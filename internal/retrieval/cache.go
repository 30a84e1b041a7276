package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// QueryCache is a bounded query-embedding cache keyed by content hash.
// When full, the least-accessed entry is evicted. Eviction never affects
// correctness, only latency, so the policy stays simple.
type QueryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*cacheEntry
}

type cacheEntry struct {
	vector []float32
	hits   int
}

// NewQueryCache creates a cache holding at most capacity entries.
func NewQueryCache(capacity int) *QueryCache {
	if capacity <= 0 {
		capacity = 128
	}
	return &QueryCache{
		capacity: capacity,
		entries:  make(map[string]*cacheEntry, capacity),
	}
}

// Get returns the cached vector for text, if present, and bumps its access
// count.
func (c *QueryCache) Get(text string) ([]float32, bool) {
	key := hashKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.hits++
	return e.vector, true
}

// Put stores a vector for text, evicting the least-accessed entry when at
// capacity.
func (c *QueryCache) Put(text string, vector []float32) {
	key := hashKey(text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key].vector = vector
		return
	}

	if len(c.entries) >= c.capacity {
		var coldKey string
		coldHits := -1
		for k, e := range c.entries {
			if coldHits == -1 || e.hits < coldHits {
				coldKey, coldHits = k, e.hits
			}
		}
		delete(c.entries, coldKey)
	}

	c.entries[key] = &cacheEntry{vector: vector}
}

// Len returns the current entry count.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
