// Package model defines shared data structures.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category labels used by the storefront.
const (
	CategoryFashion     = "fashion"
	CategoryBeauty      = "beauty"
	CategoryElectronics = "electronics"
	CategoryHome        = "home"
	CategoryAccessories = "accessories"
)

// Categories lists the fixed set of catalog categories.
var Categories = []string{
	CategoryFashion,
	CategoryBeauty,
	CategoryElectronics,
	CategoryHome,
	CategoryAccessories,
}

// IsCategory reports whether c is one of the known categories.
func IsCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Item represents a single catalog entry.
type Item struct {
	ID            string           `json:"id"`
	Title         string           `json:"title"`
	Brand         string           `json:"brand"`
	Price         decimal.Decimal  `json:"price"`
	OriginalPrice *decimal.Decimal `json:"original_price,omitempty"` // nil when there is no discount to show
	ImageURL      string           `json:"image_url"`
	ImageWidth    int              `json:"image_width,omitempty"`  // 0 if unknown
	ImageHeight   int              `json:"image_height,omitempty"` // 0 if unknown
	RatioLabel    string           `json:"ratio_label,omitempty"`  // e.g. "4:5", used when the size is unknown
	Link          string           `json:"link"`                   // affiliate destination
	Category      string           `json:"category"`
	Visible       bool             `json:"visible"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Discount returns the discount percentage, or 0 when no original price is set
// or it is not above the current price.
func (it Item) Discount() int {
	if it.OriginalPrice == nil || !it.OriginalPrice.GreaterThan(it.Price) || it.OriginalPrice.IsZero() {
		return 0
	}
	off := it.OriginalPrice.Sub(it.Price).Div(*it.OriginalPrice).Mul(decimal.NewFromInt(100))
	return int(off.Round(0).IntPart())
}

// Query describes a ranged read against the catalog.
// From and To are zero-based inclusive offsets; ordering is always
// newest first by creation time.
type Query struct {
	Category    string // empty means every category
	OnlyVisible bool
	From        int
	To          int
}

// Limit returns the width of the requested range.
func (q Query) Limit() int {
	if q.To < q.From {
		return 0
	}
	return q.To - q.From + 1
}

// Source is an affiliate product feed the importer polls.
type Source struct {
	ID          int64     `json:"id"`
	Category    string    `json:"category"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	LastFetched time.Time `json:"last_fetched"`
	LastError   string    `json:"last_error"`
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
