// Package sessioncache implements G from spec.md §4.G as a server-side,
// tab-scoped response cache fronting the CRUD pass-through layer, per the
// placement decision recorded in SPEC_FULL.md ("MODULE DETAIL — SessionCache
// (G) placement decision"): the spec's own data-flow diagram draws G as a
// hop the client's HTTP request passes through, which only makes sense if G
// runs in this process. TTL+version invalidation follows the same
// mutex-guarded map-of-structs shape as the teacher's pkg/events/manager.go
// subscription tables.
package sessioncache

import (
	"sync"
	"time"
)

// entry is one cached response for one (tab, key) pair.
type entry struct {
	value     interface{}
	version   int
	expiresAt time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Tabs    int `json:"tabs"`
	Entries int `json:"entries"`
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
}

// Cache is a TTL-bounded, version-invalidated cache keyed by tab id (the
// X-Tab-Id header, falling back to DefaultTab when absent) and then by a
// caller-chosen key (e.g. "devices", "rooms").
type Cache struct {
	ttl time.Duration

	mu    sync.Mutex
	tabs  map[string]map[string]entry
	versions map[string]int

	hits, misses int
}

// DefaultTab is used when the caller has no X-Tab-Id header.
const DefaultTab = "__default__"

// New constructs a Cache with the given TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:      ttl,
		tabs:     make(map[string]map[string]entry),
		versions: make(map[string]int),
	}
}

// Get returns the cached value for (tab, key) if present, unexpired, and at
// the current version. An expired entry, or one stored at an older version,
// is evicted on read rather than served stale.
func (c *Cache) Get(tab, key string) (interface{}, bool) {
	if tab == "" {
		tab = DefaultTab
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.tabs[tab]
	if !ok {
		c.misses++
		return nil, false
	}
	e, ok := entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expiresAt) || e.version != c.versions[tab] {
		delete(entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores value for (tab, key) at the tab's current version, expiring
// after the configured TTL.
func (c *Cache) Set(tab, key string, value interface{}) {
	if tab == "" {
		tab = DefaultTab
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, ok := c.tabs[tab]
	if !ok {
		entries = make(map[string]entry)
		c.tabs[tab] = entries
	}
	entries[key] = entry{
		value:     value,
		version:   c.versions[tab],
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Clear invalidates every entry for tab by bumping its version — a
// structural-mutation signal (e.g. a device was added/removed), distinct
// from an SSE-driven attribute merge which must NOT invalidate the cache
// (spec.md §4.G/§8).
func (c *Cache) Clear(tab string) {
	if tab == "" {
		tab = DefaultTab
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[tab]++
	delete(c.tabs, tab)
}

// ClearAll invalidates every tab's cache.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tab := range c.tabs {
		c.versions[tab]++
	}
	c.tabs = make(map[string]map[string]entry)
}

// Stats returns a point-in-time snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := 0
	for _, m := range c.tabs {
		entries += len(m)
	}
	return Stats{Tabs: len(c.tabs), Entries: entries, Hits: c.hits, Misses: c.misses}
}
