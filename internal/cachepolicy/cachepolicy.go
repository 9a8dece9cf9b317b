// Package cachepolicy picks a caching strategy per resource class and applies
// it over the snapshot resource store.
package cachepolicy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/bryan-buckman/dpiter/internal/snapshot"
)

// Class is a kind of resource with its own freshness needs.
type Class string

const (
	Static   Class = "static"
	AppShell Class = "app-shell"
	Image    Class = "image"
	API      Class = "api"
)

// Strategy decides whether the cache or the origin is consulted first.
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// DefaultTable maps each class to its strategy.
var DefaultTable = map[Class]Strategy{
	Static:   CacheFirst,
	AppShell: StaleWhileRevalidate,
	Image:    CacheFirst,
	API:      NetworkFirst,
}

var (
	staticExt = map[string]bool{".js": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true, ".map": true}
	imageExt  = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".avif": true, ".svg": true, ".ico": true}
)

// Classify maps a request path to a resource class.
func Classify(p string) Class {
	switch {
	case p == "/img" || strings.HasPrefix(p, "/img/"):
		return Image
	case strings.HasPrefix(p, "/api/"):
		return API
	}
	ext := strings.ToLower(path.Ext(p))
	switch {
	case imageExt[ext]:
		return Image
	case staticExt[ext]:
		return Static
	}
	return AppShell
}

// Store is the resource cache. snapshot.Store satisfies it.
type Store interface {
	GetResource(ctx context.Context, id string) (snapshot.Resource, bool)
	PutResource(ctx context.Context, id, contentType string, payload []byte) error
}

// FetchFunc loads a resource from its origin.
type FetchFunc func(ctx context.Context) (contentType string, payload []byte, err error)

// Result is a resolved resource.
type Result struct {
	ContentType string
	Payload     []byte
	// FromCache is true when the payload came from the store.
	FromCache bool
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks an origin error that must not be masked by a cached copy,
// such as the resource no longer existing.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Policy applies the strategy table.
type Policy struct {
	store Store
	table map[Class]Strategy
	log   *slog.Logger

	wg sync.WaitGroup // background revalidations
}

// New creates a policy over store. A nil table means DefaultTable; classes
// missing from table are network-first.
func New(store Store, table map[Class]Strategy, log *slog.Logger) *Policy {
	if table == nil {
		table = DefaultTable
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{store: store, table: table, log: log}
}

// Strategy returns the strategy used for class.
func (p *Policy) Strategy(class Class) Strategy {
	if s, ok := p.table[class]; ok {
		return s
	}
	return NetworkFirst
}

// Fetch resolves key of the given class using its strategy.
func (p *Policy) Fetch(ctx context.Context, class Class, key string, fetch FetchFunc) (Result, error) {
	id := string(class) + ":" + key
	switch p.Strategy(class) {
	case CacheFirst:
		if r, ok := p.store.GetResource(ctx, id); ok {
			return cached(r), nil
		}
		return p.fromOrigin(ctx, id, fetch)

	case StaleWhileRevalidate:
		if r, ok := p.store.GetResource(ctx, id); ok {
			p.revalidate(ctx, id, fetch)
			return cached(r), nil
		}
		return p.fromOrigin(ctx, id, fetch)

	default:
		res, err := p.fromOrigin(ctx, id, fetch)
		if err == nil || isPermanent(err) {
			return res, err
		}
		if r, ok := p.store.GetResource(ctx, id); ok {
			p.log.Debug("cache_fallback", slog.String("id", id), slog.String("err", err.Error()))
			return cached(r), nil
		}
		return Result{}, err
	}
}

// Wait blocks until background revalidations have finished.
func (p *Policy) Wait() {
	p.wg.Wait()
}

func (p *Policy) fromOrigin(ctx context.Context, id string, fetch FetchFunc) (Result, error) {
	contentType, payload, err := fetch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", id, err)
	}
	if err := p.store.PutResource(ctx, id, contentType, payload); err != nil {
		p.log.Warn("cache_store_failed", slog.String("id", id), slog.String("err", err.Error()))
	}
	return Result{ContentType: contentType, Payload: payload}, nil
}

func (p *Policy) revalidate(ctx context.Context, id string, fetch FetchFunc) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.fromOrigin(ctx, id, fetch); err != nil {
			p.log.Debug("cache_revalidate_failed", slog.String("id", id), slog.String("err", err.Error()))
		}
	}()
}

func cached(r snapshot.Resource) Result {
	return Result{ContentType: r.ContentType, Payload: r.Payload, FromCache: true}
}
