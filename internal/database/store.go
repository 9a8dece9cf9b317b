// Package database provides catalog storage backends.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// ErrNotFound is returned when an item or source does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for catalog operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Item operations
	ListItems(ctx context.Context, q model.Query) ([]model.Item, error)
	GetItem(ctx context.Context, id string) (*model.Item, error)
	CreateItem(ctx context.Context, item *model.Item) error
	UpdateItem(ctx context.Context, item *model.Item) error
	DeleteItem(ctx context.Context, id string) error
	// HasImage reports whether a visible item uses imageURL.
	HasImage(ctx context.Context, imageURL string) (bool, error)
	// AddItemIfAbsent inserts an imported item keyed by its link. Returns whether it was new.
	AddItemIfAbsent(ctx context.Context, item *model.Item) (bool, error)

	// Source operations
	GetSources(ctx context.Context) ([]model.Source, error)
	GetOrCreateSource(ctx context.Context, category, title, url string) (int64, bool, error)
	UpdateSourceLastFetched(ctx context.Context, sourceID int64, t time.Time) error
	UpdateSourceError(ctx context.Context, sourceID int64, errMsg string) error
	DeleteSource(ctx context.Context, sourceID int64) error

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	// SetSettingDefault writes value only when key has none yet.
	SetSettingDefault(ctx context.Context, key, value string) (bool, error)
	GetPollingInterval(ctx context.Context) (int, error)
}

// Open picks a backend by driver name ("sqlite" or "postgres").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "postgres":
		return NewPostgres(dsn)
	case "sqlite", "":
		return New(dsn)
	default:
		return nil, errors.New("unknown database driver: " + driver)
	}
}
