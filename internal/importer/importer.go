// Package importer pulls products from affiliate shopping feeds into the catalog.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/shopspring/decimal"

	"github.com/bryan-buckman/dpiter/internal/events"
	"github.com/bryan-buckman/dpiter/internal/model"
)

// MinPollingIntervalMinutes is the minimum allowed interval.
const MinPollingIntervalMinutes = 15

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel imports for PostgreSQL
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel imports for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// Store is the part of the catalog the importer writes to.
type Store interface {
	SupportsHighConcurrency() bool
	GetSources(ctx context.Context) ([]model.Source, error)
	AddItemIfAbsent(ctx context.Context, item *model.Item) (bool, error)
	UpdateSourceLastFetched(ctx context.Context, sourceID int64, t time.Time) error
	UpdateSourceError(ctx context.Context, sourceID int64, errMsg string) error
	GetPollingInterval(ctx context.Context) (int, error)
}

// domainLimiter caps concurrent requests per host and spaces them out.
type domainLimiter struct {
	mu          sync.Mutex
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter(delay time.Duration) *domainLimiter {
	return &domainLimiter{
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < dl.delay {
			select {
			case <-time.After(dl.delay - elapsed):
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	return u.Host
}

// Importer fetches affiliate feeds and stores their products.
type Importer struct {
	store       Store
	bus         *events.Bus
	parser      *gofeed.Parser
	concurrency int
	limiter     *domainLimiter
	log         *slog.Logger
	now         func() time.Time
}

// New creates an importer with concurrency based on the store backend.
// bus may be nil.
func New(store Store, bus *events.Bus, userAgent string, log *slog.Logger) *Importer {
	concurrency := MaxConcurrencySQLite
	if store.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
	}
	if log == nil {
		log = slog.Default()
	}
	parser := gofeed.NewParser()
	if userAgent != "" {
		parser.UserAgent = userAgent
	}
	return &Importer{
		store:       store,
		bus:         bus,
		parser:      parser,
		concurrency: concurrency,
		limiter:     newDomainLimiter(DelayBetweenDomainRequests),
		log:         log,
		now:         time.Now,
	}
}

// ImportSource fetches one source and stores its new products.
// Returns the number of new items added.
func (im *Importer) ImportSource(ctx context.Context, src model.Source) (int, error) {
	domain := extractDomain(src.URL)
	if err := im.limiter.acquire(ctx, domain); err != nil {
		return 0, fmt.Errorf("rate limit cancelled for %s: %w", src.URL, err)
	}
	defer im.limiter.release(domain)

	parsed, err := im.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		errMsg := err.Error()
		if len(errMsg) > 200 {
			errMsg = errMsg[:200]
		}
		_ = im.store.UpdateSourceError(ctx, src.ID, errMsg)
		return 0, fmt.Errorf("parse feed %s: %w", src.URL, err)
	}

	now := im.now()
	added := 0
	for _, entry := range parsed.Items {
		item, ok := toItem(entry, src.Category, now)
		if !ok {
			im.log.Debug("import_entry_skipped",
				slog.String("source", src.URL),
				slog.String("title", entry.Title),
			)
			continue
		}
		isNew, err := im.store.AddItemIfAbsent(ctx, &item)
		if err != nil {
			im.log.Warn("import_item_failed", slog.String("link", item.Link), slog.String("err", err.Error()))
			continue
		}
		if isNew {
			added++
		}
	}

	if err := im.store.UpdateSourceLastFetched(ctx, src.ID, now); err != nil {
		im.log.Warn("source_update_failed", slog.Int64("source_id", src.ID), slog.String("err", err.Error()))
	}
	return added, nil
}

// Result holds the outcome of importing a single source.
type Result struct {
	SourceID int64
	NewItems int
	Error    error
}

// ImportAll imports every source and returns source ID -> new item count.
// Sources are fetched in parallel when the store handles concurrent writes.
// A catalog-changed event is published once if anything was added.
func (im *Importer) ImportAll(ctx context.Context) (map[int64]int, error) {
	sources, err := im.store.GetSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("get sources: %w", err)
	}
	if len(sources) == 0 {
		return make(map[int64]int), nil
	}

	im.log.Info("import_started", slog.Int("sources", len(sources)), slog.Int("concurrency", im.concurrency))

	var results map[int64]int
	if im.concurrency <= 1 {
		results, err = im.importSequential(ctx, sources)
	} else {
		results, err = im.importParallel(ctx, sources)
	}

	total := 0
	for _, n := range results {
		total += n
	}
	if total > 0 && im.bus != nil {
		im.bus.Publish(events.Change{})
	}
	return results, err
}

func (im *Importer) importSequential(ctx context.Context, sources []model.Source) (map[int64]int, error) {
	results := make(map[int64]int)
	for i, src := range sources {
		if ctx.Err() != nil {
			im.log.Warn("import_cancelled", slog.Int("done", i), slog.Int("sources", len(sources)))
			return results, ctx.Err()
		}
		count, err := im.ImportSource(ctx, src)
		if err != nil {
			im.log.Warn("import_source_failed", slog.String("url", src.URL), slog.String("err", err.Error()))
			continue
		}
		results[src.ID] = count
	}
	return results, nil
}

func (im *Importer) importParallel(ctx context.Context, sources []model.Source) (map[int64]int, error) {
	var wg sync.WaitGroup
	srcChan := make(chan model.Source, len(sources))
	resultChan := make(chan Result, len(sources))

	for i := 0; i < im.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range srcChan {
				if ctx.Err() != nil {
					return
				}
				count, err := im.ImportSource(ctx, src)
				resultChan <- Result{SourceID: src.ID, NewItems: count, Error: err}
			}
		}()
	}

	for _, src := range sources {
		srcChan <- src
	}
	close(srcChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make(map[int64]int)
	for r := range resultChan {
		if r.Error != nil {
			im.log.Warn("import_source_failed", slog.Int64("source_id", r.SourceID), slog.String("err", r.Error.Error()))
			continue
		}
		results[r.SourceID] = r.NewItems
	}
	return results, ctx.Err()
}

// --- Entry mapping ---

// toItem maps a feed entry to a catalog item. Entries without a link or a
// parseable price are rejected.
func toItem(entry *gofeed.Item, fallbackCategory string, now time.Time) (model.Item, bool) {
	link := strings.TrimSpace(entry.Link)
	if link == "" {
		link = strings.TrimSpace(field(entry, "link"))
	}
	if link == "" {
		return model.Item{}, false
	}

	price, ok := ParsePrice(field(entry, "price"))
	if !ok {
		return model.Item{}, false
	}
	item := model.Item{
		Title:    strings.TrimSpace(firstNonEmpty(field(entry, "title"), entry.Title)),
		Brand:    strings.TrimSpace(field(entry, "brand")),
		Price:    price,
		ImageURL: imageURL(entry),
		Link:     link,
		Category: categoryFor(field(entry, "product_type"), entry.Categories, fallbackCategory),
		Visible:  true,
	}
	if sale, ok := ParsePrice(field(entry, "sale_price")); ok && sale.LessThan(price) {
		orig := price
		item.Price = sale
		item.OriginalPrice = &orig
	}
	if item.Brand == "" && entry.Author != nil {
		item.Brand = entry.Author.Name
	}
	if entry.PublishedParsed != nil {
		item.CreatedAt = *entry.PublishedParsed
	} else {
		item.CreatedAt = now
	}
	return item, true
}

// field returns a Google Merchant extension value, looked up under the "g"
// prefix first and then under any other namespace.
func field(entry *gofeed.Item, name string) string {
	if entry.Extensions == nil {
		return ""
	}
	if exts := entry.Extensions["g"][name]; len(exts) > 0 {
		return exts[0].Value
	}
	for _, ns := range entry.Extensions {
		if exts := ns[name]; len(exts) > 0 {
			return exts[0].Value
		}
	}
	return ""
}

func imageURL(entry *gofeed.Item) string {
	if v := field(entry, "image_link"); v != "" {
		return strings.TrimSpace(v)
	}
	if entry.Image != nil && entry.Image.URL != "" {
		return entry.Image.URL
	}
	for _, enc := range entry.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	return ""
}

// ParsePrice reads prices such as "19.99 USD", "USD 19.99" or "19,99".
func ParsePrice(s string) (decimal.Decimal, bool) {
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimLeft(tok, "$€£")
		if strings.Count(tok, ",") == 1 && !strings.Contains(tok, ".") {
			tok = strings.Replace(tok, ",", ".", 1)
		} else {
			tok = strings.ReplaceAll(tok, ",", "")
		}
		d, err := decimal.NewFromString(tok)
		if err == nil && !d.IsNegative() {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

// categoryFor maps a product type path like "Apparel > Shoes" onto a known
// category, trying the entry's own categories next.
func categoryFor(productType string, categories []string, fallback string) string {
	candidates := append([]string{productType}, categories...)
	for _, c := range candidates {
		c = strings.ToLower(c)
		for _, known := range model.Categories {
			if strings.Contains(c, known) {
				return known
			}
		}
		for keyword, category := range categoryKeywords {
			if strings.Contains(c, keyword) {
				return category
			}
		}
	}
	return fallback
}

var categoryKeywords = map[string]string{
	"apparel":   model.CategoryFashion,
	"clothing":  model.CategoryFashion,
	"cosmetics": model.CategoryBeauty,
	"skin care": model.CategoryBeauty,
	"computers": model.CategoryElectronics,
	"phones":    model.CategoryElectronics,
	"furniture": model.CategoryHome,
	"kitchen":   model.CategoryHome,
	"jewelry":   model.CategoryAccessories,
	"bags":      model.CategoryAccessories,
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
