// Package layout groups catalog items into aspect-ratio buckets for rendering.
package layout

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// Bucket is a normalized aspect-ratio class.
type Bucket string

// Known buckets.
const (
	Portrait Bucket = "4:5"
	Square   Bucket = "1:1"
	Story    Bucket = "9:16"
	Standard Bucket = "4:3"
	Wide     Bucket = "16:9"
)

// DefaultBucket is used for items with neither a size nor a ratio label.
const DefaultBucket = Portrait

// Order is the fixed render order of buckets.
var Order = []Bucket{Portrait, Square, Story, Standard, Wide}

type bucketRange struct {
	bucket  Bucket
	lo, hi  float64 // inclusive
	nominal float64
}

var ranges = []bucketRange{
	{Story, 0.55, 0.65, 9.0 / 16.0},
	{Portrait, 0.75, 0.85, 4.0 / 5.0},
	{Square, 0.9, 1.1, 1},
	{Standard, 1.3, 1.4, 4.0 / 3.0},
	{Wide, 1.7, 1.9, 16.0 / 9.0},
}

// Classify returns the bucket of a single item.
func Classify(it model.Item) Bucket {
	ratio, ok := Ratio(it)
	if !ok {
		return DefaultBucket
	}
	return ForRatio(ratio)
}

// Ratio derives width/height from the image size, falling back to the ratio label.
func Ratio(it model.Item) (float64, bool) {
	if it.ImageWidth > 0 && it.ImageHeight > 0 {
		return float64(it.ImageWidth) / float64(it.ImageHeight), true
	}
	return ParseLabel(it.RatioLabel)
}

// ParseLabel parses labels such as "4:5", "16/9", "0.8" or a bucket name like "square".
func ParseLabel(label string) (float64, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case "":
		return 0, false
	case "square":
		return 1, true
	case "portrait":
		return 0.8, true
	case "story", "tall":
		return 9.0 / 16.0, true
	case "standard":
		return 4.0 / 3.0, true
	case "wide", "landscape":
		return 16.0 / 9.0, true
	}
	sep := strings.IndexAny(label, ":/x")
	if sep < 0 {
		v, err := strconv.ParseFloat(label, 64)
		if err != nil || !positive(v) {
			return 0, false
		}
		return v, true
	}
	w, errW := strconv.ParseFloat(strings.TrimSpace(label[:sep]), 64)
	h, errH := strconv.ParseFloat(strings.TrimSpace(label[sep+1:]), 64)
	if errW != nil || errH != nil || !positive(w) || !positive(h) || !positive(w/h) {
		return 0, false
	}
	return w / h, true
}

// positive reports whether v is a finite number above zero.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// ForRatio maps a numeric ratio to a bucket. Ratios outside every range go
// to the bucket with the closest nominal ratio, so extremes land in 9:16 or 16:9.
func ForRatio(ratio float64) Bucket {
	switch {
	case math.IsInf(ratio, 1):
		return Wide
	case !positive(ratio):
		return DefaultBucket
	}
	for _, r := range ranges {
		if ratio >= r.lo && ratio <= r.hi {
			return r.bucket
		}
	}
	best := ranges[0]
	bestDist := math.Inf(1)
	for _, r := range ranges {
		if d := math.Abs(math.Log(ratio / r.nominal)); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best.bucket
}

// Group is one bucket with its items in feed order.
type Group struct {
	Bucket Bucket       `json:"bucket"`
	Items  []model.Item `json:"items"`
}

// GroupItems partitions items by bucket. Empty buckets are omitted and groups
// follow Order regardless of input order.
func GroupItems(items []model.Item) []Group {
	byBucket := make(map[Bucket][]model.Item, len(Order))
	for _, it := range items {
		b := Classify(it)
		byBucket[b] = append(byBucket[b], it)
	}
	groups := make([]Group, 0, len(byBucket))
	for _, b := range Order {
		if its, ok := byBucket[b]; ok {
			groups = append(groups, Group{Bucket: b, Items: its})
		}
	}
	return groups
}

// Memo caches the grouping of the last seen item-list version.
type Memo struct {
	mu      sync.Mutex
	version uint64
	valid   bool
	groups  []Group
}

// Groups returns the grouping for items, recomputing only when version changed.
func (m *Memo) Groups(version uint64, items []model.Item) []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid && m.version == version {
		return m.groups
	}
	m.groups = GroupItems(items)
	m.version = version
	m.valid = true
	return m.groups
}
