// Package database provides SQLite storage for the catalog.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/dpiter/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under the importer.
	conn.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		price TEXT NOT NULL DEFAULT '0',
		original_price TEXT,
		image_url TEXT NOT NULL DEFAULT '',
		image_width INTEGER NOT NULL DEFAULT 0,
		image_height INTEGER NOT NULL DEFAULT 0,
		ratio_label TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_items_category ON items(category);
	CREATE INDEX IF NOT EXISTS idx_items_image_url ON items(image_url);
	CREATE INDEX IF NOT EXISTS idx_items_link ON items(link);
	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		last_fetched DATETIME,
		last_error TEXT DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Item Methods ---

const itemColumns = "id, title, brand, price, original_price, image_url, image_width, image_height, ratio_label, link, category, visible, created_at"

// ListItems returns one page of items, newest first.
func (db *DB) ListItems(ctx context.Context, q model.Query) ([]model.Item, error) {
	limit := q.Limit()
	if limit == 0 {
		return nil, nil
	}
	var where []string
	var args []any
	if q.OnlyVisible {
		where = append(where, "visible = 1")
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	query := "SELECT " + itemColumns + " FROM items"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.From)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// GetItem returns a single item by id.
func (db *DB) GetItem(ctx context.Context, id string) (*model.Item, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// HasImage reports whether a visible item uses imageURL.
func (db *DB) HasImage(ctx context.Context, imageURL string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, "SELECT 1 FROM items WHERE image_url = ? AND visible = 1 LIMIT 1", imageURL).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup image: %w", err)
	}
	return true, nil
}

// CreateItem inserts a new item. An empty ID gets a fresh UUID and a zero
// CreatedAt is set to now.
func (db *DB) CreateItem(ctx context.Context, item *model.Item) error {
	prepareNew(item)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Brand, item.Price, nullDecimal(item.OriginalPrice), item.ImageURL,
		item.ImageWidth, item.ImageHeight, item.RatioLabel, item.Link, item.Category,
		boolToInt(item.Visible), item.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

// UpdateItem overwrites every mutable field of an item. CreatedAt is kept.
func (db *DB) UpdateItem(ctx context.Context, item *model.Item) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE items SET title = ?, brand = ?, price = ?, original_price = ?, image_url = ?,
			image_width = ?, image_height = ?, ratio_label = ?, link = ?, category = ?, visible = ?
		WHERE id = ?`,
		item.Title, item.Brand, item.Price, nullDecimal(item.OriginalPrice), item.ImageURL,
		item.ImageWidth, item.ImageHeight, item.RatioLabel, item.Link, item.Category,
		boolToInt(item.Visible), item.ID)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return requireAffected(res)
}

// DeleteItem removes an item.
func (db *DB) DeleteItem(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return requireAffected(res)
}

// AddItemIfAbsent inserts an item unless one with the same link exists.
func (db *DB) AddItemIfAbsent(ctx context.Context, item *model.Item) (bool, error) {
	prepareNew(item)
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM items WHERE link = ?)`,
		item.ID, item.Title, item.Brand, item.Price, nullDecimal(item.OriginalPrice), item.ImageURL,
		item.ImageWidth, item.ImageHeight, item.RatioLabel, item.Link, item.Category,
		boolToInt(item.Visible), item.CreatedAt.UnixNano(), item.Link)
	if err != nil {
		return false, fmt.Errorf("add item: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		var it model.Item
		var orig decimal.NullDecimal
		var visible int
		var createdAt int64
		if err := rows.Scan(&it.ID, &it.Title, &it.Brand, &it.Price, &orig, &it.ImageURL,
			&it.ImageWidth, &it.ImageHeight, &it.RatioLabel, &it.Link, &it.Category,
			&visible, &createdAt); err != nil {
			return nil, err
		}
		if orig.Valid {
			it.OriginalPrice = &orig.Decimal
		}
		it.Visible = visible != 0
		it.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Source Methods ---

// GetSources returns all affiliate feed sources ordered by title.
func (db *DB) GetSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, category, title, url, last_fetched, last_error FROM sources ORDER BY title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSources(rows)
}

// GetOrCreateSource finds a source by URL, or creates it.
func (db *DB) GetOrCreateSource(ctx context.Context, category, title, url string) (int64, bool, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, "SELECT id FROM sources WHERE url = ?", url).Scan(&id)
	if err == sql.ErrNoRows {
		res, err := db.conn.ExecContext(ctx, "INSERT INTO sources (category, title, url) VALUES (?, ?, ?)", category, title, url)
		if err != nil {
			return 0, false, err
		}
		id, err := res.LastInsertId()
		return id, true, err
	}
	return id, false, err
}

// UpdateSourceLastFetched updates the last_fetched timestamp and clears the error.
func (db *DB) UpdateSourceLastFetched(ctx context.Context, sourceID int64, t time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sources SET last_fetched = ?, last_error = '' WHERE id = ?", t.UTC(), sourceID)
	return err
}

// UpdateSourceError records the last fetch error of a source.
func (db *DB) UpdateSourceError(ctx context.Context, sourceID int64, errMsg string) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sources SET last_error = ? WHERE id = ?", errMsg, sourceID)
	return err
}

// DeleteSource removes a source. Imported items stay. Returns ErrNotFound for an unknown id.
func (db *DB) DeleteSource(ctx context.Context, sourceID int64) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", sourceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func scanSources(rows *sql.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		var s model.Source
		var lastFetched sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&s.ID, &s.Category, &s.Title, &s.URL, &lastFetched, &lastError); err != nil {
			return nil, err
		}
		if lastFetched.Valid {
			s.LastFetched = lastFetched.Time
		}
		if lastError.Valid {
			s.LastError = lastError.String
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}

// SetSettingDefault saves a setting only if it has no value yet. Returns whether it was written.
func (db *DB) SetSettingDefault(ctx context.Context, key, value string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, "INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetPollingInterval returns the polling interval in minutes, with a minimum of 15.
func (db *DB) GetPollingInterval(ctx context.Context) (int, error) {
	val, err := db.GetSetting(ctx, model.SettingPollingInterval)
	if err != nil {
		return 15, nil // default
	}
	return parseInterval(val), nil
}

// --- Helpers ---

func prepareNew(item *model.Item) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func parseInterval(val string) int {
	var mins int
	fmt.Sscanf(val, "%d", &mins)
	if mins < 15 {
		mins = 15
	}
	return mins
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
