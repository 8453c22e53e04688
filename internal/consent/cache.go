package consent

import (
	"strings"
	"sync"
	"time"
)

// DefaultCacheSize is the soft bound on cached check results. Eviction
// overwrites the oldest ring slot rather than tracking strict LRU — a
// throughput/precision tradeoff, not a correctness requirement, since the
// cache is never a source of truth.
const DefaultCacheSize = 10_000

// keySep joins subject and mask in cache keys. A non-printable separator
// keeps subject "bob" from matching invalidation of subject "bobby".
const keySep = "\x00"

type cacheEntry struct {
	key       string
	granted   bool
	expiresAt time.Time
}

// resultCache is a fixed-capacity ring buffer with a hash index: O(1)
// insert, O(1) overwrite-oldest eviction, O(cache) subject invalidation.
type resultCache struct {
	mu    sync.Mutex
	ring  []cacheEntry
	index map[string]int
	next  int

	hits   uint64
	misses uint64
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &resultCache{
		ring:  make([]cacheEntry, capacity),
		index: make(map[string]int, capacity),
	}
}

func cacheKey(subject string, mask Purpose) string {
	return subject + keySep + mask.String()
}

// get returns the cached result for key if present and not expired.
func (c *resultCache) get(key string, now time.Time) (granted, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, found := c.index[key]
	if !found || c.ring[pos].key != key || now.After(c.ring[pos].expiresAt) {
		c.misses++
		return false, false
	}
	c.hits++
	return c.ring[pos].granted, true
}

// put stores a result with the given TTL, evicting the oldest slot when
// the ring wraps.
func (c *resultCache) put(key string, granted bool, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := cacheEntry{key: key, granted: granted, expiresAt: now.Add(ttl)}

	if pos, found := c.index[key]; found && c.ring[pos].key == key {
		c.ring[pos] = entry
		return
	}

	if evicted := c.ring[c.next].key; evicted != "" {
		delete(c.index, evicted)
	}
	c.ring[c.next] = entry
	c.index[key] = c.next
	c.next = (c.next + 1) % len(c.ring)
}

// invalidateSubject drops every entry keyed by the subject. A full scan of
// the index is deliberate: no stale grant may survive an update, and
// correctness here outranks eviction speed.
func (c *resultCache) invalidateSubject(subject string) {
	prefix := subject + keySep

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, pos := range c.index {
		if strings.HasPrefix(key, prefix) {
			c.ring[pos] = cacheEntry{}
			delete(c.index, key)
		}
	}
}

// stats returns cumulative hit and miss counts.
func (c *resultCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// size returns the number of live entries.
func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
