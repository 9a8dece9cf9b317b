// Package feed holds the incremental product feed: per-category in-memory
// caches, the single-flight page loader and the service tying them to the
// snapshot store and network monitor.
package feed

import (
	"context"
	"sync"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// Cache accumulates the items loaded for one feed and tracks pagination state.
// Items are kept in insertion order, which is newest first because pages are
// requested newest first and never reordered.
type Cache struct {
	mu       sync.Mutex
	category string
	items    []model.Item
	index    map[string]struct{}
	page     int
	hasMore  bool
	loading  bool
	idle     chan struct{}

	// generation changes on every Reset so a page fetched before the reset is recognised.
	generation uint64
	// version changes whenever the item list changes.
	version uint64
}

// NewCache creates an empty cache for category ("" is the global feed).
func NewCache(category string) *Cache {
	return &Cache{
		category: category,
		index:    make(map[string]struct{}),
		hasMore:  true,
	}
}

// Category returns the category key of the cache.
func (c *Cache) Category() string {
	return c.category
}

// AddItems inserts each item whose id is not yet present. Known ids are skipped
// and their stored fields are left untouched.
func (c *Cache) AddItems(items []model.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(items)
}

func (c *Cache) addLocked(items []model.Item) int {
	added := 0
	for _, it := range items {
		if _, ok := c.index[it.ID]; ok {
			continue
		}
		c.index[it.ID] = struct{}{}
		c.items = append(c.items, it)
		added++
	}
	if added > 0 {
		c.version++
	}
	return added
}

// Items returns a copy of the cached items in insertion order.
func (c *Cache) Items() []model.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Item, len(c.items))
	copy(out, c.items)
	return out
}

// itemsAt returns a copy of the items together with the version they belong to.
func (c *Cache) itemsAt() ([]model.Item, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Item, len(c.items))
	copy(out, c.items)
	return out, c.version
}

// HasItem reports whether id is cached.
func (c *Cache) HasItem(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Page returns how many pages were consumed since creation or the last reset.
func (c *Cache) Page() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// HasMore reports whether the remote store may hold further pages.
func (c *Cache) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// IsLoading reports whether a page fetch is in flight.
func (c *Cache) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Version changes every time the item list changes.
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Reset drops all items and pagination progress. It returns true when a
// fetch is in flight; that fetch will notice the reset and reseed from offset 0.
func (c *Cache) Reset() (inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	c.index = make(map[string]struct{})
	c.page = 0
	c.hasMore = true
	c.generation++
	c.version++
	return c.loading
}

// --- Loader side ---

// beginLoad takes the loading latch. ok is false when a fetch is already in
// flight or there is nothing more to load.
func (c *Cache) beginLoad() (gen uint64, from int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loading || !c.hasMore {
		return 0, 0, false
	}
	c.loading = true
	c.idle = make(chan struct{})
	return c.generation, len(c.items), true
}

// endLoad releases the loading latch.
func (c *Cache) endLoad() {
	c.mu.Lock()
	c.loading = false
	close(c.idle)
	c.mu.Unlock()
}

// waitIdle blocks until no fetch is in flight or ctx is done.
func (c *Cache) waitIdle(ctx context.Context) {
	c.mu.Lock()
	if !c.loading {
		c.mu.Unlock()
		return
	}
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
	}
}

// applyPage folds a fetched page into the cache. received is the size of the
// page as returned by the store, before known ids were filtered out; a page
// shorter than pageSize marks the end of the feed. When the cache was reset
// after the page was requested the page is dropped and stale is true; gen and
// from then describe the request to issue instead.
func (c *Cache) applyPage(reqGen uint64, batch []model.Item, received, pageSize int) (added int, stale bool, gen uint64, from int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reqGen != c.generation {
		return 0, true, c.generation, len(c.items)
	}
	added = c.addLocked(batch)
	c.page++
	if received < pageSize {
		c.hasMore = false
	}
	return added, false, c.generation, len(c.items)
}
