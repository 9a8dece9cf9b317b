// Package opml imports and exports the importer's source list as OPML.
// Top-level folders name catalog categories.
package opml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Entry is one feed source found in a document.
type Entry struct {
	Category string // empty when no known category applies
	Title    string
	URL      string
}

// Parse reads an OPML document and returns its feeds. A feed's category is
// its own category attribute if known, else the nearest enclosing folder
// whose name is a known category.
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []Entry
	var walk func(outlines []Outline, category string)
	walk = func(outlines []Outline, category string) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				c := category
				if own := normalize(o.Category); model.IsCategory(own) {
					c = own
				}
				entries = append(entries, Entry{Category: c, Title: title, URL: o.XMLURL})
			} else if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				c := category
				if n := normalize(name); model.IsCategory(n) {
					c = n
				}
				walk(o.Outlines, c)
			}
		}
	}
	walk(doc.Body.Outlines, "")
	return entries, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SourceStore is where imported sources are recorded.
type SourceStore interface {
	GetOrCreateSource(ctx context.Context, category, title, url string) (int64, bool, error)
}

// Import parses r and registers every feed with store. It returns how many
// sources were new.
func Import(ctx context.Context, r io.Reader, store SourceStore) (int, error) {
	entries, err := Parse(r)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, e := range entries {
		_, created, err := store.GetOrCreateSource(ctx, e.Category, e.Title, e.URL)
		if err != nil {
			return added, fmt.Errorf("add source %s: %w", e.URL, err)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// Export renders sources as OPML with one folder per category, in catalog
// category order. Sources without a category sit at the top level.
func Export(title string, sources []model.Source, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	byCategory := make(map[string][]Outline)
	var root []Outline
	sorted := append([]model.Source(nil), sources...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Title < sorted[j].Title })
	for _, s := range sorted {
		o := Outline{Text: s.Title, Title: s.Title, Type: "rss", XMLURL: s.URL}
		if model.IsCategory(s.Category) {
			byCategory[s.Category] = append(byCategory[s.Category], o)
		} else {
			root = append(root, o)
		}
	}

	for _, c := range model.Categories {
		if feeds, ok := byCategory[c]; ok {
			doc.Body.Outlines = append(doc.Body.Outlines, Outline{Text: c, Title: c, Outlines: feeds})
		}
	}
	doc.Body.Outlines = append(doc.Body.Outlines, root...)

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
