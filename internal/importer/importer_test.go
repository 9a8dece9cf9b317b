package importer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/dpiter/internal/database"
	"github.com/bryan-buckman/dpiter/internal/events"
	"github.com/bryan-buckman/dpiter/internal/model"
)

const merchantFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:g="http://base.google.com/ns/1.0">
<channel>
  <title>Shop</title>
  <link>https://shop.example</link>
  <item>
    <title>Linen Shirt</title>
    <link>https://shop.example/p/1</link>
    <pubDate>Mon, 03 Mar 2025 10:00:00 GMT</pubDate>
    <g:price>59.90 USD</g:price>
    <g:sale_price>39.90 USD</g:sale_price>
    <g:brand>Acme</g:brand>
    <g:image_link>https://cdn.shop.example/1.jpg</g:image_link>
    <g:product_type>Apparel &gt; Shirts</g:product_type>
  </item>
  <item>
    <title>Desk Lamp</title>
    <link>https://shop.example/p/2</link>
    <pubDate>Sun, 02 Mar 2025 10:00:00 GMT</pubDate>
    <g:price>24.00 USD</g:price>
  </item>
  <item>
    <title>No price</title>
    <link>https://shop.example/p/3</link>
  </item>
</channel>
</rss>`

func newTestStore(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func feedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestImporter(store Store, bus *events.Bus) *Importer {
	im := New(store, bus, "dpiter-test", nil)
	im.limiter = newDomainLimiter(0)
	return im
}

func TestImportSource_MapsMerchantFields(t *testing.T) {
	db := newTestStore(t)
	srv := feedServer(t, merchantFeed)
	ctx := context.Background()

	id, _, err := db.GetOrCreateSource(ctx, model.CategoryHome, "Shop", srv.URL+"/feed")
	require.NoError(t, err)

	im := newTestImporter(db, nil)
	n, err := im.ImportSource(ctx, model.Source{ID: id, Category: model.CategoryHome, URL: srv.URL + "/feed"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	items, err := db.ListItems(ctx, model.Query{From: 0, To: 9})
	require.NoError(t, err)
	require.Len(t, items, 2)

	shirt := items[0]
	require.Equal(t, "Linen Shirt", shirt.Title)
	require.Equal(t, "Acme", shirt.Brand)
	require.True(t, shirt.Price.Equal(decimal.RequireFromString("39.90")))
	require.NotNil(t, shirt.OriginalPrice)
	require.True(t, shirt.OriginalPrice.Equal(decimal.RequireFromString("59.90")))
	require.Equal(t, "https://cdn.shop.example/1.jpg", shirt.ImageURL)
	require.Equal(t, model.CategoryFashion, shirt.Category)
	require.True(t, shirt.Visible)

	lamp := items[1]
	require.Equal(t, model.CategoryHome, lamp.Category, "falls back to the source category")
	require.Nil(t, lamp.OriginalPrice)

	n, err = im.ImportSource(ctx, model.Source{ID: id, URL: srv.URL + "/feed"})
	require.NoError(t, err)
	require.Zero(t, n, "known links are not imported twice")
}

func TestImportSource_RecordsError(t *testing.T) {
	db := newTestStore(t)
	srv := feedServer(t, merchantFeed)
	ctx := context.Background()

	id, _, err := db.GetOrCreateSource(ctx, "", "Broken", srv.URL+"/broken")
	require.NoError(t, err)

	_, err = newTestImporter(db, nil).ImportSource(ctx, model.Source{ID: id, URL: srv.URL + "/broken"})
	require.Error(t, err)

	sources, err := db.GetSources(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sources[0].LastError)
}

func TestImportAll_PublishesOnceWhenItemsAdded(t *testing.T) {
	db := newTestStore(t)
	srv := feedServer(t, merchantFeed)
	ctx := context.Background()

	_, _, err := db.GetOrCreateSource(ctx, model.CategoryFashion, "Shop", srv.URL+"/feed")
	require.NoError(t, err)
	_, _, err = db.GetOrCreateSource(ctx, model.CategoryFashion, "Broken", srv.URL+"/broken")
	require.NoError(t, err)

	bus := events.NewBus()
	var published atomic.Int32
	bus.Subscribe(func(events.Change) { published.Add(1) })

	im := newTestImporter(db, bus)
	results, err := im.ImportAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 1, published.Load())

	_, err = im.ImportAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, published.Load(), "nothing new, nothing published")
}

func TestImportAll_Parallel(t *testing.T) {
	db := newTestStore(t)
	srv := feedServer(t, merchantFeed)
	ctx := context.Background()
	_, _, err := db.GetOrCreateSource(ctx, "", "A", srv.URL+"/a")
	require.NoError(t, err)
	_, _, err = db.GetOrCreateSource(ctx, "", "B", srv.URL+"/b")
	require.NoError(t, err)

	im := newTestImporter(db, nil)
	im.concurrency = 4
	results, err := im.ImportAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	total := 0
	for _, n := range results {
		total += n
	}
	require.Equal(t, 2, total, "same links across sources are stored once")
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"19.99 USD", "19.99", true},
		{"USD 19.99", "19.99", true},
		{"$5", "5", true},
		{"19,99 EUR", "19.99", true},
		{"1,299.00 USD", "1299", true},
		{"", "", false},
		{"free", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePrice(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.True(t, got.Equal(decimal.RequireFromString(tt.want)), got.String())
			}
		})
	}
}

func TestDomainLimiter_SpacesRequests(t *testing.T) {
	dl := newDomainLimiter(30 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, dl.acquire(ctx, "a"))
	dl.release("a")
	start := time.Now()
	require.NoError(t, dl.acquire(ctx, "a"))
	dl.release("a")
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	slow := newDomainLimiter(time.Hour)
	require.NoError(t, slow.acquire(ctx, "b"))
	slow.release("b")
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, slow.acquire(cancelled, "b"))
}

func TestPoller_RunsImmediatelyAndStops(t *testing.T) {
	db := newTestStore(t)
	srv := feedServer(t, merchantFeed)
	ctx := context.Background()
	_, _, err := db.GetOrCreateSource(ctx, "", "Shop", srv.URL+"/feed")
	require.NoError(t, err)

	p := NewPoller(newTestImporter(db, nil), db, nil)
	p.Start()
	require.Eventually(t, func() bool {
		items, err := db.ListItems(ctx, model.Query{From: 0, To: 9})
		return err == nil && len(items) == 2
	}, 5*time.Second, 20*time.Millisecond)
	p.Stop()
}
