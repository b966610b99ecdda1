package channels

import "sync"

// DefaultDedupSize suits most chat platforms; QQ uses a larger window.
const DefaultDedupSize = 2048

// DedupCache is a bounded set of recently seen ids. On overflow the oldest
// half is evicted. Keys are channel-native message ids, never timestamps.
type DedupCache struct {
	mu    sync.Mutex
	limit int
	seen  map[string]bool
	order []string
}

// NewDedupCache creates a cache bounded at limit entries.
func NewDedupCache(limit int) *DedupCache {
	if limit <= 0 {
		limit = DefaultDedupSize
	}
	return &DedupCache{
		limit: limit,
		seen:  make(map[string]bool, limit),
	}
}

// Seen records id and reports whether it was already present.
func (c *DedupCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[id] {
		return true
	}
	if len(c.order) >= c.limit {
		half := len(c.order) / 2
		for _, old := range c.order[:half] {
			delete(c.seen, old)
		}
		c.order = append([]string(nil), c.order[half:]...)
	}
	c.seen[id] = true
	c.order = append(c.order, id)
	return false
}

// Contains reports membership without recording.
func (c *DedupCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[id]
}

// Add records id without the seen check.
func (c *DedupCache) Add(id string) {
	c.Seen(id)
}

// Len reports how many ids are tracked.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
