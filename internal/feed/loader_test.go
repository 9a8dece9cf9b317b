package feed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/dpiter/internal/model"
)

func newTestLoader(f Fetcher, category string) *Loader {
	return NewLoader(NewCache(category), f, 8, nil)
}

func TestLoadMore_EightThenFive(t *testing.T) {
	f := &stubFetcher{items: catalog(13, "")}
	l := newTestLoader(f, "")
	ctx := context.Background()

	require.Equal(t, 8, l.LoadMore(ctx))
	require.Equal(t, 1, l.Cache().Page())
	require.True(t, l.Cache().HasMore())

	require.Equal(t, 5, l.LoadMore(ctx))
	require.Equal(t, 2, l.Cache().Page())
	require.False(t, l.Cache().HasMore())

	require.Zero(t, l.LoadMore(ctx))
	require.Len(t, f.queries(), 2, "no request once the feed is exhausted")

	require.Equal(t, ids(catalog(13, "")), ids(l.Cache().Items()))

	q := f.queries()
	require.Equal(t, model.Query{OnlyVisible: true, From: 0, To: 7}, q[0])
	require.Equal(t, model.Query{OnlyVisible: true, From: 8, To: 15}, q[1])
}

func TestLoadMore_ExactMultipleNeedsOneEmptyPage(t *testing.T) {
	f := &stubFetcher{items: catalog(16, "")}
	l := newTestLoader(f, "")
	ctx := context.Background()

	require.Equal(t, 8, l.LoadMore(ctx))
	require.Equal(t, 8, l.LoadMore(ctx))
	require.True(t, l.Cache().HasMore())
	require.Zero(t, l.LoadMore(ctx))
	require.False(t, l.Cache().HasMore())
	require.Equal(t, 3, l.Cache().Page())

	l.LoadMore(ctx)
	require.Len(t, f.queries(), 3)
}

func TestLoadMore_CategoryAndVisibility(t *testing.T) {
	items := append(catalog(3, "beauty"), item("x1", "home"))
	hidden := item("h1", "beauty")
	hidden.Visible = false
	items = append(items, hidden)

	f := &stubFetcher{items: items}
	l := newTestLoader(f, "beauty")

	require.Equal(t, 3, l.LoadMore(context.Background()))
	require.Equal(t, []string{"p01", "p02", "p03"}, ids(l.Cache().Items()))
	require.Equal(t, "beauty", f.queries()[0].Category)
	require.True(t, f.queries()[0].OnlyVisible)
}

func TestLoadMore_SingleFlight(t *testing.T) {
	f := &stubFetcher{items: catalog(13, "")}
	release := f.block()
	l := newTestLoader(f, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.LoadMore(context.Background())
	}()
	f.waitStarted()
	require.True(t, l.Cache().IsLoading())

	for i := 0; i < 5; i++ {
		require.Zero(t, l.LoadMore(context.Background()))
	}
	release()
	wg.Wait()

	require.Len(t, f.queries(), 1)
	require.Equal(t, 8, l.Cache().Len())
	require.False(t, l.Cache().IsLoading())
}

func TestLoadMore_ErrorLeavesStateAndRetriesSameRange(t *testing.T) {
	f := &stubFetcher{items: catalog(13, ""), err: errUnavailable}
	l := newTestLoader(f, "")
	ctx := context.Background()

	require.Zero(t, l.LoadMore(ctx))
	require.Zero(t, l.Cache().Len())
	require.Zero(t, l.Cache().Page())
	require.True(t, l.Cache().HasMore())
	require.False(t, l.Cache().IsLoading(), "latch released after failure")

	f.setErr(nil)
	require.Equal(t, 8, l.LoadMore(ctx))

	q := f.queries()
	require.Len(t, q, 2)
	require.Equal(t, q[0], q[1])
}

func TestLoadMore_OverlappingPageHasNoDuplicates(t *testing.T) {
	f := &stubFetcher{items: catalog(13, "")}
	l := newTestLoader(f, "")
	ctx := context.Background()
	require.Equal(t, 8, l.LoadMore(ctx))

	// A newer item shifts the remote list by one, so the next range starts
	// with an item the cache already holds.
	f.setItems(append([]model.Item{item("n00", "")}, catalog(13, "")...))
	require.Equal(t, 5, l.LoadMore(ctx))

	got := ids(l.Cache().Items())
	require.Equal(t, ids(catalog(13, "")), got)
	require.False(t, l.Cache().HasMore())
}

func TestLoadMore_ResetDuringFetchReseedsFromStart(t *testing.T) {
	f := &stubFetcher{items: catalog(13, "")}
	l := newTestLoader(f, "")
	ctx := context.Background()
	require.Equal(t, 8, l.LoadMore(ctx))

	release := f.block()
	done := make(chan int)
	go func() { done <- l.LoadMore(ctx) }()
	f.waitStarted()

	fresh := append([]model.Item{item("n00", "")}, catalog(13, "")...)
	f.setItems(fresh)
	require.True(t, l.Cache().Reset())
	release()

	require.Equal(t, 8, <-done)
	require.Equal(t, ids(fresh[:8]), ids(l.Cache().Items()))
	require.Equal(t, 1, l.Cache().Page())
	require.True(t, l.Cache().HasMore())

	q := f.queries()
	require.Len(t, q, 3)
	require.Equal(t, 8, q[1].From)
	require.Equal(t, 0, q[2].From)
}

func TestLoadMore_ResetAfterExhaustionLoadsAgain(t *testing.T) {
	f := &stubFetcher{items: catalog(5, "")}
	l := newTestLoader(f, "")
	ctx := context.Background()

	require.Equal(t, 5, l.LoadMore(ctx))
	require.False(t, l.Cache().HasMore())
	require.Zero(t, l.LoadMore(ctx))

	l.Cache().Reset()
	require.Equal(t, 5, l.LoadMore(ctx))
	require.Len(t, f.queries(), 2)
}

func TestLoadMore_OnBatchSeesAllItems(t *testing.T) {
	f := &stubFetcher{items: catalog(13, "")}
	l := newTestLoader(f, "")
	var seen [][]string
	l.onBatch = func(_ context.Context, items []model.Item) {
		seen = append(seen, ids(items))
	}
	ctx := context.Background()

	l.LoadMore(ctx)
	l.LoadMore(ctx)
	l.LoadMore(ctx)

	require.Len(t, seen, 2)
	require.Len(t, seen[0], 8)
	require.Len(t, seen[1], 13)
}
