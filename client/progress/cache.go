package progress

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// cacheEntry remembers the last response for a path so the next read can be
// conditional. It is an optimisation only: losing it costs a full GET.
type cacheEntry struct {
	etag     string
	cachedAt time.Time

	// Exactly one of these is set
	doc   *Document
	sha   string
	names []string // directory listing: course IDs
}

// etagCache is a TTL-bounded map of cacheEntry keyed by "<owner>/<path>".
type etagCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

func newETagCache(ttl time.Duration, clock clockwork.Clock) *etagCache {
	return &etagCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *etagCache) get(key string) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && c.clock.Since(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		return nil
	}
	return e
}

func (c *etagCache) put(key string, e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.cachedAt = c.clock.Now()
	c.entries[key] = e
}

// touch restarts an entry's TTL after the server confirmed it with a 304
func (c *etagCache) touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.cachedAt = c.clock.Now()
	}
}

func (c *etagCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *etagCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
