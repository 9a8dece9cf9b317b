// Package snapshot is the local persistent cache: a named SQLite file holding
// the last synced item set and individually cached resources.
//
// Persistence is advisory. Every failure is logged and reported as "no
// cached data"; nothing here is needed for correctness.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// DefaultName is the database name used when none is configured.
const DefaultName = "dpiter-cache"

// DefaultRetention is how long a stored entry stays valid.
const DefaultRetention = 15 * 24 * time.Hour

// DefaultMaxResources bounds the number of cached resources.
const DefaultMaxResources = 2000

const metaLastSync = "last_sync"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the snapshot database. It is opened lazily on first use and a
// failed open is retried on the next call.
type Store struct {
	path         string
	retention    time.Duration
	maxResources int
	log          *slog.Logger
	now          func() time.Time

	mu   sync.Mutex
	conn *sql.DB
}

// New returns a store for <dir>/<name>.db. Nothing is opened yet.
func New(dir, name string, retention time.Duration, log *slog.Logger) *Store {
	if name == "" {
		name = DefaultName
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:         filepath.Join(dir, name+".db"),
		retention:    retention,
		maxResources: DefaultMaxResources,
		log:          log,
		now:          time.Now,
	}
}

// SetMaxResources changes the resource cap. Values below 1 restore the default.
func (s *Store) SetMaxResources(n int) {
	if n < 1 {
		n = DefaultMaxResources
	}
	s.mu.Lock()
	s.maxResources = n
	s.mu.Unlock()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database if it was opened.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Store) db() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	conn, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		content_type TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		cached_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_resources_cached_at ON resources(cached_at);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate snapshot: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Store) cutoff() int64 {
	return s.now().Add(-s.retention).UnixNano()
}

// --- Item snapshot ---

// SaveSnapshot replaces the stored item set with items and records the sync time.
func (s *Store) SaveSnapshot(ctx context.Context, items []model.Item) error {
	conn, err := s.db()
	if err != nil {
		s.log.Warn("snapshot_unavailable", slog.String("err", err.Error()))
		return err
	}
	now := s.now().UnixNano()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM items"); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO items (id, position, payload, updated_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare snapshot: %w", err)
	}
	defer stmt.Close()
	for i, it := range items {
		payload, err := json.Marshal(it)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode item %s: %w", it.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, it.ID, i, string(payload), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("write item %s: %w", it.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		metaLastSync, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("write last sync: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the stored items in the order they were saved.
// Expired entries are deleted and skipped. Any failure yields an empty list.
func (s *Store) LoadSnapshot(ctx context.Context) []model.Item {
	items, err := s.loadSnapshot(ctx)
	if err != nil {
		s.log.Warn("snapshot_load_failed", slog.String("err", err.Error()))
		return nil
	}
	return items
}

func (s *Store) loadSnapshot(ctx context.Context) ([]model.Item, error) {
	conn, err := s.db()
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM items WHERE updated_at < ?", s.cutoff()); err != nil {
		return nil, fmt.Errorf("purge snapshot: %w", err)
	}
	rows, err := conn.QueryContext(ctx, "SELECT id, payload FROM items ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var it model.Item
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			s.log.Warn("snapshot_item_corrupt", slog.String("id", id), slog.String("err", err.Error()))
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// LastSync returns when the snapshot was last written. ok is false when there
// is no snapshot or it has expired.
func (s *Store) LastSync(ctx context.Context) (t time.Time, ok bool) {
	conn, err := s.db()
	if err != nil {
		return time.Time{}, false
	}
	var ns int64
	if err := conn.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", metaLastSync).Scan(&ns); err != nil {
		return time.Time{}, false
	}
	if ns < s.cutoff() {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// --- Resources ---

// Resource is a single cached payload, e.g. an image or an API response.
type Resource struct {
	ContentType string
	Payload     []byte
	CachedAt    time.Time
}

// PutResource stores payload under id, stamping it with the current time.
// Expired resources are dropped, then the oldest ones beyond the cap.
func (s *Store) PutResource(ctx context.Context, id, contentType string, payload []byte) error {
	conn, err := s.db()
	if err != nil {
		return err
	}
	s.mu.Lock()
	limit := s.maxResources
	s.mu.Unlock()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin resource: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources (id, content_type, payload, cached_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content_type = excluded.content_type, payload = excluded.payload, cached_at = excluded.cached_at`,
		id, contentType, payload, s.now().UnixNano())
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("put resource: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM resources WHERE cached_at < ?", s.cutoff()); err != nil {
		tx.Rollback()
		return fmt.Errorf("purge resources: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM resources WHERE id IN (
			SELECT id FROM resources ORDER BY cached_at DESC, id LIMIT -1 OFFSET ?
		)`, limit)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("evict resources: %w", err)
	}
	return tx.Commit()
}

// ResourceCount returns the number of stored resources, expired ones included.
func (s *Store) ResourceCount(ctx context.Context) (int, error) {
	conn, err := s.db()
	if err != nil {
		return 0, err
	}
	var n int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM resources").Scan(&n)
	return n, err
}

// GetResource returns the resource stored under id. An expired resource is
// deleted and reported as a miss, as is any read failure.
func (s *Store) GetResource(ctx context.Context, id string) (Resource, bool) {
	conn, err := s.db()
	if err != nil {
		return Resource{}, false
	}
	var r Resource
	var cachedAt int64
	err = conn.QueryRowContext(ctx, "SELECT content_type, payload, cached_at FROM resources WHERE id = ?", id).
		Scan(&r.ContentType, &r.Payload, &cachedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn("resource_read_failed", slog.String("id", id), slog.String("err", err.Error()))
		}
		return Resource{}, false
	}
	if cachedAt < s.cutoff() {
		if _, err := conn.ExecContext(ctx, "DELETE FROM resources WHERE id = ?", id); err != nil {
			s.log.Warn("resource_purge_failed", slog.String("id", id), slog.String("err", err.Error()))
		}
		return Resource{}, false
	}
	r.CachedAt = time.Unix(0, cachedAt)
	return r, true
}
