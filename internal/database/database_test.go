package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryan-buckman/dpiter/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedItems(t *testing.T, db *DB, n int, category string, visible bool) []model.Item {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var out []model.Item
	for i := 0; i < n; i++ {
		it := model.Item{
			Title:     "item",
			Price:     decimal.NewFromInt(int64(10 + i)),
			Category:  category,
			Visible:   visible,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, db.CreateItem(context.Background(), &it))
		out = append(out, it)
	}
	return out
}

func TestListItems_NewestFirstWithRange(t *testing.T) {
	db := newTestDB(t)
	seeded := seedItems(t, db, 5, model.CategoryBeauty, true)

	got, err := db.ListItems(context.Background(), model.Query{OnlyVisible: true, From: 0, To: 2})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, seeded[4].ID, got[0].ID)
	require.Equal(t, seeded[3].ID, got[1].ID)
	require.Equal(t, seeded[2].ID, got[2].ID)

	got, err = db.ListItems(context.Background(), model.Query{OnlyVisible: true, From: 3, To: 5})
	require.NoError(t, err)
	require.Len(t, got, 2, "short page signals end of data")
	require.Equal(t, seeded[0].ID, got[1].ID)
}

func TestListItems_FiltersVisibilityAndCategory(t *testing.T) {
	db := newTestDB(t)
	seedItems(t, db, 2, model.CategoryBeauty, true)
	seedItems(t, db, 3, model.CategoryHome, true)
	seedItems(t, db, 4, model.CategoryHome, false)

	got, err := db.ListItems(context.Background(), model.Query{OnlyVisible: true, Category: model.CategoryHome, From: 0, To: 99})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, it := range got {
		require.Equal(t, model.CategoryHome, it.Category)
		require.True(t, it.Visible)
	}

	all, err := db.ListItems(context.Background(), model.Query{From: 0, To: 99})
	require.NoError(t, err)
	require.Len(t, all, 9)
}

func TestItemCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	orig := decimal.RequireFromString("59.90")
	it := model.Item{
		Title:         "Linen shirt",
		Brand:         "Acme",
		Price:         decimal.RequireFromString("39.90"),
		OriginalPrice: &orig,
		ImageURL:      "https://img.example/a.jpg",
		ImageWidth:    1080,
		ImageHeight:   1350,
		Category:      model.CategoryFashion,
		Visible:       true,
	}
	require.NoError(t, db.CreateItem(ctx, &it))
	require.NotEmpty(t, it.ID)

	got, err := db.GetItem(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "Linen shirt", got.Title)
	require.True(t, got.Price.Equal(it.Price))
	require.NotNil(t, got.OriginalPrice)
	require.True(t, got.OriginalPrice.Equal(orig))
	require.Equal(t, 1350, got.ImageHeight)

	got.Title = "Linen shirt v2"
	got.OriginalPrice = nil
	require.NoError(t, db.UpdateItem(ctx, got))
	got, err = db.GetItem(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, "Linen shirt v2", got.Title)
	require.Nil(t, got.OriginalPrice)

	require.NoError(t, db.DeleteItem(ctx, it.ID))
	_, err = db.GetItem(ctx, it.ID)
	require.True(t, IsNotFound(err))
	require.True(t, IsNotFound(db.DeleteItem(ctx, it.ID)))
}

func TestAddItemIfAbsent_DedupesByLink(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first := model.Item{Title: "a", Link: "https://shop.example/p/1", Visible: true}
	isNew, err := db.AddItemIfAbsent(ctx, &first)
	require.NoError(t, err)
	require.True(t, isNew)

	dup := model.Item{Title: "a again", Link: "https://shop.example/p/1", Visible: true}
	isNew, err = db.AddItemIfAbsent(ctx, &dup)
	require.NoError(t, err)
	require.False(t, isNew)

	all, err := db.ListItems(ctx, model.Query{From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSourcesAndSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, created, err := db.GetOrCreateSource(ctx, model.CategoryHome, "Home deals", "https://feeds.example/home.xml")
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := db.GetOrCreateSource(ctx, model.CategoryHome, "Home deals", "https://feeds.example/home.xml")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, again)

	require.NoError(t, db.UpdateSourceError(ctx, id, "boom"))
	sources, err := db.GetSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "boom", sources[0].LastError)

	require.NoError(t, db.UpdateSourceLastFetched(ctx, id, time.Now()))
	sources, err = db.GetSources(ctx)
	require.NoError(t, err)
	require.Empty(t, sources[0].LastError)

	mins, err := db.GetPollingInterval(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, mins)
	require.NoError(t, db.SetSetting(ctx, model.SettingPollingInterval, "5"))
	mins, err = db.GetPollingInterval(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, mins, "minimum is enforced")
	require.NoError(t, db.SetSetting(ctx, model.SettingPollingInterval, "45"))
	mins, _ = db.GetPollingInterval(ctx)
	require.Equal(t, 45, mins)
}

func TestSetSettingDefault_KeepsSavedValue(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	written, err := db.SetSettingDefault(ctx, model.SettingPollingInterval, "30")
	require.NoError(t, err)
	require.True(t, written)
	mins, _ := db.GetPollingInterval(ctx)
	require.Equal(t, 30, mins)

	require.NoError(t, db.SetSetting(ctx, model.SettingPollingInterval, "60"))
	written, err = db.SetSettingDefault(ctx, model.SettingPollingInterval, "30")
	require.NoError(t, err)
	require.False(t, written)
	mins, _ = db.GetPollingInterval(ctx)
	require.Equal(t, 60, mins)
}

func TestHasImage_OnlyVisibleItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	shown := model.Item{Title: "Shown", Category: model.CategoryHome, ImageURL: "https://cdn.example/a.jpg", Visible: true}
	hidden := model.Item{Title: "Hidden", Category: model.CategoryHome, ImageURL: "https://cdn.example/b.jpg"}
	require.NoError(t, db.CreateItem(ctx, &shown))
	require.NoError(t, db.CreateItem(ctx, &hidden))

	ok, err := db.HasImage(ctx, "https://cdn.example/a.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.HasImage(ctx, "https://cdn.example/b.jpg")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = db.HasImage(ctx, "http://127.0.0.1/admin")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteSource(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, _, err := db.GetOrCreateSource(ctx, model.CategoryHome, "Nest", "https://nest.example/rss")
	require.NoError(t, err)
	require.NoError(t, db.DeleteSource(ctx, id))
	require.True(t, IsNotFound(db.DeleteSource(ctx, id)))

	sources, err := db.GetSources(ctx)
	require.NoError(t, err)
	require.Empty(t, sources)
}
