package feed

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bryan-buckman/dpiter/internal/layout"
	"github.com/bryan-buckman/dpiter/internal/model"
)

// DefaultMaxFeeds bounds the number of live category feeds. It is well above
// the fixed category set, so in normal use no feed is ever evicted.
const DefaultMaxFeeds = 32

// Feed bundles a category cache with its loader and layout memo.
type Feed struct {
	Cache  *Cache
	Loader *Loader
	layout layout.Memo
}

// Snapshot returns the current items and their aspect-ratio grouping.
// The grouping is recomputed only when the items changed.
func (f *Feed) Snapshot() ([]model.Item, []layout.Group) {
	items, version := f.Cache.itemsAt()
	return items, f.layout.Groups(version, items)
}

// Registry lazily creates one Feed per category key and keeps at most
// maxFeeds of them, evicting the least recently used.
type Registry struct {
	mu       sync.Mutex
	feeds    *lru.Cache[string, *Feed]
	fetcher  Fetcher
	pageSize int
	log      *slog.Logger

	onBatch func(ctx context.Context, f *Feed, items []model.Item)
}

// NewRegistry creates a registry. maxFeeds <= 0 means DefaultMaxFeeds.
func NewRegistry(fetcher Fetcher, pageSize, maxFeeds int, log *slog.Logger) *Registry {
	if maxFeeds <= 0 {
		maxFeeds = DefaultMaxFeeds
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      log,
	}
	feeds, err := lru.NewWithEvict[string, *Feed](maxFeeds, func(category string, _ *Feed) {
		r.log.Info("feed_evicted", slog.String("category", category))
	})
	if err != nil {
		// Only returned for a non-positive size, excluded above.
		panic(err)
	}
	r.feeds = feeds
	return r
}

// Get returns the feed for category, creating it on first access.
func (r *Registry) Get(category string) *Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.feeds.Get(category); ok {
		return f
	}
	cache := NewCache(category)
	f := &Feed{
		Cache:  cache,
		Loader: NewLoader(cache, r.fetcher, r.pageSize, r.log),
	}
	if r.onBatch != nil {
		f.Loader.onBatch = func(ctx context.Context, items []model.Item) {
			r.onBatch(ctx, f, items)
		}
	}
	r.feeds.Add(category, f)
	return f
}

// Lookup returns the feed for category without creating it.
func (r *Registry) Lookup(category string) (*Feed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds.Peek(category)
}

// All returns every live feed, least recently used first.
func (r *Registry) All() []*Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds.Values()
}

// Len returns the number of live feeds.
func (r *Registry) Len() int {
	return r.feeds.Len()
}
