package feed

import (
	"context"
	"log/slog"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// DefaultPageSize is the number of items requested per page.
const DefaultPageSize = 8

// Fetcher is the remote catalog read used by the loader.
// database.Store satisfies it.
type Fetcher interface {
	ListItems(ctx context.Context, q model.Query) ([]model.Item, error)
}

// Loader drives a Cache through successive page fetches. At most one fetch
// per cache is in flight at any time.
type Loader struct {
	cache    *Cache
	fetcher  Fetcher
	pageSize int
	log      *slog.Logger

	// onBatch runs after a page added items, outside the loading latch.
	onBatch func(ctx context.Context, items []model.Item)
}

// NewLoader creates a loader for cache. pageSize <= 0 means DefaultPageSize.
func NewLoader(cache *Cache, fetcher Fetcher, pageSize int, log *slog.Logger) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		cache:    cache,
		fetcher:  fetcher,
		pageSize: pageSize,
		log:      log,
	}
}

// Cache returns the cache the loader fills.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// PageSize returns the configured page size.
func (l *Loader) PageSize() int {
	return l.pageSize
}

// LoadMore fetches the next page unless a fetch is already in flight or the
// feed is exhausted, in which case it returns immediately. Fetch errors are
// logged and leave the cache untouched so a later call retries the same range.
// It returns the number of items added.
func (l *Loader) LoadMore(ctx context.Context) int {
	gen, from, ok := l.cache.beginLoad()
	if !ok {
		return 0
	}
	return l.load(ctx, gen, from)
}

// load fetches the page at from under a latch already taken with beginLoad
// and releases it.
func (l *Loader) load(ctx context.Context, gen uint64, from int) int {
	added, ok := l.loadPage(ctx, gen, from)
	if ok && added > 0 && l.onBatch != nil {
		l.onBatch(ctx, l.cache.Items())
	}
	return added
}

func (l *Loader) loadPage(ctx context.Context, gen uint64, from int) (int, bool) {
	defer l.cache.endLoad()

	for {
		q := model.Query{
			Category:    l.cache.category,
			OnlyVisible: true,
			From:        from,
			To:          from + l.pageSize - 1,
		}
		batch, err := l.fetcher.ListItems(ctx, q)
		if err != nil {
			l.log.Warn("feed_fetch_failed",
				slog.String("category", q.Category),
				slog.Int("from", q.From),
				slog.Int("to", q.To),
				slog.String("err", err.Error()),
			)
			return 0, false
		}

		fresh := batch[:0:0]
		for _, it := range batch {
			if !l.cache.HasItem(it.ID) {
				fresh = append(fresh, it)
			}
		}

		added, stale, nextGen, nextFrom := l.cache.applyPage(gen, fresh, len(batch), l.pageSize)
		if !stale {
			l.log.Debug("feed_page_loaded",
				slog.String("category", q.Category),
				slog.Int("from", q.From),
				slog.Int("received", len(batch)),
				slog.Int("added", added),
			)
			return added, true
		}

		// The cache was reset while this page was in flight: drop it and
		// reseed from the cache's new offset while still holding the latch.
		l.log.Debug("feed_page_stale",
			slog.String("category", q.Category),
			slog.Int("from", q.From),
		)
		if ctx.Err() != nil {
			return 0, false
		}
		gen, from = nextGen, nextFrom
	}
}
