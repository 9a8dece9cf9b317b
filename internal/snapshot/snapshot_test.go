package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/dpiter/internal/model"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := New(t.TempDir(), "", 0, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { s.Close() })
	return s, &now
}

func testItems(ids ...string) []model.Item {
	var out []model.Item
	for _, id := range ids {
		orig := decimal.RequireFromString("20.00")
		out = append(out, model.Item{
			ID:            id,
			Title:         "title " + id,
			Price:         decimal.RequireFromString("12.50"),
			OriginalPrice: &orig,
			ImageWidth:    1080,
			ImageHeight:   1350,
			Visible:       true,
		})
	}
	return out
}

func TestLoadSnapshot_EmptyWhenNeverSaved(t *testing.T) {
	s, _ := newTestStore(t)
	require.Empty(t, s.LoadSnapshot(context.Background()))
	_, ok := s.LastSync(context.Background())
	require.False(t, ok)
}

func TestSaveSnapshot_ReplacesAndKeepsOrder(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, testItems("c", "a", "b")))
	require.NoError(t, s.SaveSnapshot(ctx, testItems("z", "y")))

	got := s.LoadSnapshot(ctx)
	require.Len(t, got, 2)
	require.Equal(t, "z", got[0].ID)
	require.Equal(t, "y", got[1].ID)
	require.True(t, got[0].Price.Equal(decimal.RequireFromString("12.5")))
	require.NotNil(t, got[0].OriginalPrice)
	require.Equal(t, 1350, got[0].ImageHeight)

	last, ok := s.LastSync(ctx)
	require.True(t, ok)
	require.True(t, last.Equal(*now))
}

func TestLoadSnapshot_ExpiredEntriesArePurged(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSnapshot(ctx, testItems("a", "b")))

	*now = now.Add(DefaultRetention - time.Minute)
	require.Len(t, s.LoadSnapshot(ctx), 2)

	*now = now.Add(2 * time.Minute)
	require.Empty(t, s.LoadSnapshot(ctx))
	_, ok := s.LastSync(ctx)
	require.False(t, ok)

	var n int
	conn, err := s.db()
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM items").Scan(&n))
	require.Zero(t, n, "expired rows are deleted on read")
}

func TestResources_ExpireLazily(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutResource(ctx, "img:1", "image/jpeg", []byte{1, 2, 3}))
	r, ok := s.GetResource(ctx, "img:1")
	require.True(t, ok)
	require.Equal(t, "image/jpeg", r.ContentType)
	require.Equal(t, []byte{1, 2, 3}, r.Payload)

	_, ok = s.GetResource(ctx, "missing")
	require.False(t, ok)

	*now = now.Add(DefaultRetention + time.Second)
	_, ok = s.GetResource(ctx, "img:1")
	require.False(t, ok)

	// Still a miss after the clock is rewound: the row was deleted.
	*now = now.Add(-DefaultRetention)
	_, ok = s.GetResource(ctx, "img:1")
	require.False(t, ok)
}

func TestPutResource_EvictsOldestBeyondCap(t *testing.T) {
	s, now := newTestStore(t)
	s.SetMaxResources(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		require.NoError(t, s.PutResource(ctx, fmt.Sprintf("img:%d", i), "image/png", []byte{byte(i)}))
	}
	n, err := s.ResourceCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for i, want := range []bool{false, false, true, true, true} {
		_, ok := s.GetResource(ctx, fmt.Sprintf("img:%d", i))
		require.Equal(t, want, ok, i)
	}
}

func TestPutResource_PurgesExpired(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutResource(ctx, "old", "image/png", []byte{1}))
	*now = now.Add(DefaultRetention + time.Second)
	require.NoError(t, s.PutResource(ctx, "new", "image/png", []byte{2}))

	n, err := s.ResourceCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestStore_UnopenableDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// The parent "directory" is a regular file, so the database cannot be created.
	s := New(filepath.Join(blocker, "sub"), "cache", 0, nil)
	require.Error(t, s.SaveSnapshot(context.Background(), testItems("a")))
	require.Empty(t, s.LoadSnapshot(context.Background()))
	_, ok := s.GetResource(context.Background(), "x")
	require.False(t, ok)
}
