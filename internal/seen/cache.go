// Package seen implements the time-bounded deduplication caches used for
// loop suppression.
//
// Cache records native mesh traffic by (source, message id). Every node
// checks an inbound message against it before dispatch: if seen, the message
// is dropped silently; if not, it is recorded and processed.
//
// Window records interop message ids. It is capped by size and age and, when
// over either limit, collapses to the most recently inserted half.
package seen

import (
	"sync"
	"time"
)

// DefaultMaxAge bounds how long a (source, id) pair is remembered. A message
// cannot reasonably still be in flight after a minute.
const DefaultMaxAge = 60 * time.Second

// Cache is a concurrency-safe (source, id) -> first-seen store.
type Cache struct {
	mu      sync.Mutex
	entries map[key]time.Time
	maxAge  time.Duration
	now     func() time.Time
}

// New creates a Cache that forgets entries older than maxAge.
// Expired entries are removed by Sweep; reads also ignore them.
func New(maxAge time.Duration) *Cache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{
		entries: make(map[key]time.Time),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

type key struct {
	source, id string
}

// Has reports whether (source, id) was recorded and has not aged out.
func (c *Cache) Has(source, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first, ok := c.entries[key{source, id}]
	return ok && c.now().Sub(first) <= c.maxAge
}

// Add records (source, id). It returns true if the pair was not already
// present, i.e. this is new traffic. The first-seen time of a pair is never
// refreshed by a later Add.
func (c *Cache) Add(source, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{source, id}
	now := c.now()
	if first, ok := c.entries[k]; ok && now.Sub(first) <= c.maxAge {
		return false
	}
	c.entries[k] = now
	return true
}

// Sweep removes every entry older than the max age and returns how many
// were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, first := range c.entries {
		if now.Sub(first) > c.maxAge {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
