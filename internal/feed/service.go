package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bryan-buckman/dpiter/internal/events"
	"github.com/bryan-buckman/dpiter/internal/layout"
	"github.com/bryan-buckman/dpiter/internal/model"
)

// Snapshotter persists the global feed for offline use. snapshot.Store satisfies it.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, items []model.Item) error
	LoadSnapshot(ctx context.Context) []model.Item
}

// Availability reports network state. netmon.Monitor satisfies it.
type Availability interface {
	Online() bool
}

// DefaultReseedTimeout bounds the first-page fetch issued after a catalog change.
const DefaultReseedTimeout = 10 * time.Second

// View is what a client renders for one feed.
type View struct {
	Category     string         `json:"category"`
	Items        []model.Item   `json:"items"`
	Groups       []layout.Group `json:"groups"`
	HasMore      bool           `json:"has_more"`
	Loading      bool           `json:"loading"`
	FromSnapshot bool           `json:"from_snapshot"`
}

// Service ties the feed registry to the snapshot store, the network monitor
// and the catalog-changed bus.
type Service struct {
	registry *Registry
	snapshot Snapshotter
	network  Availability
	log      *slog.Logger

	reseedTimeout time.Duration
	unsubscribe   func()
	reseeds       sync.WaitGroup
}

// NewService wires reg to snap and network and subscribes to bus. snap,
// network and bus may be nil. reg must not have handed out feeds yet.
func NewService(reg *Registry, snap Snapshotter, network Availability, bus *events.Bus, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		registry:      reg,
		snapshot:      snap,
		network:       network,
		log:           log,
		reseedTimeout: DefaultReseedTimeout,
	}
	reg.onBatch = s.persist
	if bus != nil {
		s.unsubscribe = bus.Subscribe(s.catalogChanged)
	}
	return s
}

// Close detaches the service from the catalog-changed bus and waits for
// pending reseeds.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.reseeds.Wait()
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) online() bool {
	return s.network == nil || s.network.Online()
}

// View returns the feed for category. An empty feed is seeded with its first
// page while online, or waits for a first page already in flight. When nothing
// could be loaded, because the network is down or the first fetch failed, the
// stored snapshot is served instead.
func (s *Service) View(ctx context.Context, category string) View {
	f := s.registry.Get(category)
	online := s.online()

	if f.Cache.Len() == 0 {
		if online && f.Loader.LoadMore(ctx) == 0 {
			f.Cache.waitIdle(ctx)
		}
		if f.Cache.Len() == 0 && (!online || f.Cache.HasMore()) {
			if v, ok := s.fromSnapshot(ctx, f); ok {
				return v
			}
		}
	}

	items, groups := f.Snapshot()
	return View{
		Category: category,
		Items:    items,
		Groups:   groups,
		HasMore:  f.Cache.HasMore(),
		Loading:  f.Cache.IsLoading(),
	}
}

func (s *Service) fromSnapshot(ctx context.Context, f *Feed) (View, bool) {
	if s.snapshot == nil {
		return View{}, false
	}
	category := f.Cache.Category()
	var items []model.Item
	for _, it := range s.snapshot.LoadSnapshot(ctx) {
		if category == "" || it.Category == category {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return View{}, false
	}
	s.log.Debug("feed_served_from_snapshot",
		slog.String("category", category),
		slog.Int("items", len(items)),
	)
	return View{
		Category:     category,
		Items:        items,
		Groups:       layout.GroupItems(items),
		HasMore:      f.Cache.HasMore(),
		Loading:      f.Cache.IsLoading(),
		FromSnapshot: true,
	}, true
}

// More is the near-end-of-list trigger for category. It returns the number of
// items added, which is zero when a fetch was already in flight, the feed is
// exhausted or the fetch failed.
func (s *Service) More(ctx context.Context, category string) int {
	return s.registry.Get(category).Loader.LoadMore(ctx)
}

// persist writes the global feed to the snapshot after each batch.
func (s *Service) persist(ctx context.Context, f *Feed, items []model.Item) {
	if s.snapshot == nil || f.Cache.Category() != "" {
		return
	}
	if err := s.snapshot.SaveSnapshot(context.WithoutCancel(ctx), items); err != nil {
		s.log.Warn("snapshot_save_failed", slog.String("err", err.Error()))
	}
}

// catalogChanged resets every live feed and reseeds its first page in the
// background. A feed with a fetch in flight reseeds itself once that fetch
// returns.
func (s *Service) catalogChanged(c events.Change) {
	feeds := s.registry.All()
	s.log.Info("catalog_changed",
		slog.String("item_id", c.ItemID),
		slog.Int("feeds", len(feeds)),
	)
	for _, f := range feeds {
		if inFlight := f.Cache.Reset(); inFlight {
			continue
		}
		gen, from, ok := f.Cache.beginLoad()
		if !ok {
			continue
		}
		s.reseeds.Add(1)
		go func(f *Feed) {
			defer s.reseeds.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.reseedTimeout)
			defer cancel()
			f.Loader.load(ctx, gen, from)
		}(f)
	}
}
