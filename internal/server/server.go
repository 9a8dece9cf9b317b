// Package server provides the HTTP server and handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/feeds"
	"github.com/shopspring/decimal"

	"github.com/bryan-buckman/dpiter/internal/cachepolicy"
	"github.com/bryan-buckman/dpiter/internal/database"
	"github.com/bryan-buckman/dpiter/internal/events"
	"github.com/bryan-buckman/dpiter/internal/feed"
	"github.com/bryan-buckman/dpiter/internal/importer"
	"github.com/bryan-buckman/dpiter/internal/model"
	"github.com/bryan-buckman/dpiter/internal/netmon"
	"github.com/bryan-buckman/dpiter/internal/opml"
)

const (
	maxImageBytes = 10 << 20
	rssItems      = 50
)

// Network is the view of the availability monitor the server needs.
type Network interface {
	State() netmon.State
	FallbackActive() bool
}

// Options holds the server's collaborators. Importer, Poller and Network may be nil.
type Options struct {
	Store    database.Store
	Feeds    *feed.Service
	Policy   *cachepolicy.Policy
	Bus      *events.Bus
	Importer *importer.Importer
	Poller   *importer.Poller
	Network  Network
	Client   *http.Client
	Log      *slog.Logger
}

// Server is the main HTTP server.
type Server struct {
	store     database.Store
	feeds     *feed.Service
	policy    *cachepolicy.Policy
	bus       *events.Bus
	importer  *importer.Importer
	poller    *importer.Poller
	network   Network
	client    *http.Client
	log       *slog.Logger
	router    chi.Router
	templates *template.Template
	http      *http.Server
}

// New creates a new server.
func New(opts Options) (*Server, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"price": formatPrice,
	}).Parse(pageTemplates)
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}

	s := &Server{
		store:     opts.Store,
		feeds:     opts.Feeds,
		policy:    opts.Policy,
		bus:       opts.Bus,
		importer:  opts.Importer,
		poller:    opts.Poller,
		network:   opts.Network,
		client:    opts.Client,
		log:       opts.Log,
		templates: tmpl,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Pages.
	r.Get("/", s.handleHome)
	r.Get("/feed.rss", s.handleRSS)
	r.Get("/img", s.handleImage)

	// API.
	r.Route("/api", func(r chi.Router) {
		r.Get("/feed", s.handleFeed)
		r.Post("/feed/more", s.handleFeedMore)
		r.Get("/items/{id}", s.handleGetItem)
		r.Get("/status", s.handleStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/items", s.handleCreateItem)
			r.Put("/items/{id}", s.handleUpdateItem)
			r.Delete("/items/{id}", s.handleDeleteItem)
			r.Get("/sources", s.handleListSources)
			r.Delete("/sources/{id}", s.handleDeleteSource)
			r.Post("/refresh", s.handleRefresh)
			r.Post("/import-opml", s.handleImportOPML)
			r.Get("/export-opml", s.handleExportOPML)
			r.Get("/settings", s.handleGetSettings)
			r.Post("/settings", s.handleSaveSettings)
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the poller and serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if s.poller != nil {
		s.poller.Start()
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("server_starting", slog.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and stops the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	return err
}

// --- Page Handlers ---

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if s.network != nil && s.network.FallbackActive() {
		w.Header().Set("Retry-After", "5")
		s.render(w, http.StatusServiceUnavailable, "offline", nil)
		return
	}
	category, ok := categoryParam(r)
	if !ok {
		http.Error(w, "Unknown category", http.StatusBadRequest)
		return
	}
	data := map[string]interface{}{
		"Categories": model.Categories,
		"View":       s.feeds.View(r.Context(), category),
	}
	s.render(w, http.StatusOK, "page", data)
}

func (s *Server) handleRSS(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListItems(r.Context(), model.Query{OnlyVisible: true, From: 0, To: rssItems - 1})
	if err != nil {
		s.log.Warn("rss_list_failed", slog.String("err", err.Error()))
		http.Error(w, "Failed to list items", http.StatusInternalServerError)
		return
	}

	base := "http://" + r.Host
	f := &feeds.Feed{
		Title:       "Dpiter",
		Link:        &feeds.Link{Href: base + "/"},
		Description: "Newest products",
		Created:     time.Now(),
	}
	for _, it := range items {
		desc := formatPrice(it.Price)
		if it.Brand != "" {
			desc = it.Brand + " · " + desc
		}
		if d := it.Discount(); d > 0 {
			desc += fmt.Sprintf(" (-%d%%)", d)
		}
		f.Items = append(f.Items, &feeds.Item{
			Id:          it.ID,
			Title:       it.Title,
			Link:        &feeds.Link{Href: it.Link},
			Description: desc,
			Created:     it.CreatedAt,
		})
	}
	out, err := f.ToRss()
	if err != nil {
		http.Error(w, "Failed to render feed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	io.WriteString(w, out)
}

// handleImage proxies product images through the cache-first image policy.
// Only image URLs of visible catalog items are served.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("src")
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "Invalid image source", http.StatusBadRequest)
		return
	}
	listed, err := s.store.HasImage(r.Context(), src)
	if err != nil {
		s.log.Warn("image_lookup_failed", slog.String("src", src), slog.String("err", err.Error()))
		http.Error(w, "Image unavailable", http.StatusServiceUnavailable)
		return
	}
	if !listed {
		http.Error(w, "Unknown image", http.StatusNotFound)
		return
	}

	res, err := s.policy.Fetch(r.Context(), cachepolicy.Classify(r.URL.Path), src, func(ctx context.Context) (string, []byte, error) {
		return s.fetchImage(ctx, src)
	})
	if err != nil {
		s.log.Warn("image_fetch_failed", slog.String("src", src), slog.String("err", err.Error()))
		http.Error(w, "Image unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Cache", cacheHeader(res))
	w.Write(res.Payload)
}

func (s *Server) fetchImage(ctx context.Context, src string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, fmt.Errorf("not an image: %q", contentType)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read image: %w", err)
	}
	if len(body) > maxImageBytes {
		return "", nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return contentType, body, nil
}

// --- Feed API ---

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r)
	if !ok {
		http.Error(w, "Unknown category", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.feeds.View(r.Context(), category))
}

func (s *Server) handleFeedMore(w http.ResponseWriter, r *http.Request) {
	category, ok := categoryParam(r)
	if !ok {
		http.Error(w, "Unknown category", http.StatusBadRequest)
		return
	}
	added := s.feeds.More(r.Context(), category)
	writeJSON(w, http.StatusOK, struct {
		Added int `json:"added"`
		feed.View
	}{added, s.feeds.View(r.Context(), category)})
}

// handleGetItem serves item details network-first, falling back to the
// cached copy while the catalog is unreachable.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.policy.Fetch(r.Context(), cachepolicy.Classify(r.URL.Path), "items/"+id, func(ctx context.Context) (string, []byte, error) {
		it, err := s.store.GetItem(ctx, id)
		if err != nil {
			if database.IsNotFound(err) {
				return "", nil, cachepolicy.Permanent(err)
			}
			return "", nil, err
		}
		if !it.Visible {
			return "", nil, cachepolicy.Permanent(database.ErrNotFound)
		}
		body, err := json.Marshal(it)
		return "application/json", body, err
	})
	switch {
	case database.IsNotFound(err):
		http.Error(w, "Item not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Warn("item_fetch_failed", slog.String("id", id), slog.String("err", err.Error()))
		http.Error(w, "Item unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("X-Cache", cacheHeader(res))
	w.Write(res.Payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, fallback := netmon.Online, false
	if s.network != nil {
		state, fallback = s.network.State(), s.network.FallbackActive()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"network":  state.String(),
		"fallback": fallback,
		"feeds":    s.feeds.Registry().Len(),
		"database": s.store.DatabaseType(),
	})
}

// --- Admin API ---

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var it model.Item
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := validateItem(&it); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	it.ID = ""
	it.CreatedAt = time.Time{}
	if err := s.store.CreateItem(r.Context(), &it); err != nil {
		s.log.Error("item_create_failed", slog.String("err", err.Error()))
		http.Error(w, "Failed to create", http.StatusInternalServerError)
		return
	}
	s.bus.Publish(events.Change{ItemID: it.ID})
	writeJSON(w, http.StatusCreated, it)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var it model.Item
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := validateItem(&it); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	it.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateItem(r.Context(), &it); err != nil {
		if database.IsNotFound(err) {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		s.log.Error("item_update_failed", slog.String("id", it.ID), slog.String("err", err.Error()))
		http.Error(w, "Failed to update", http.StatusInternalServerError)
		return
	}
	s.bus.Publish(events.Change{ItemID: it.ID})
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteItem(r.Context(), id); err != nil {
		if database.IsNotFound(err) {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		s.log.Error("item_delete_failed", slog.String("id", id), slog.String("err", err.Error()))
		http.Error(w, "Failed to delete", http.StatusInternalServerError)
		return
	}
	s.bus.Publish(events.Change{ItemID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.GetSources(r.Context())
	if err != nil {
		http.Error(w, "Failed to get sources", http.StatusInternalServerError)
		return
	}
	if sources == nil {
		sources = []model.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid source id", http.StatusBadRequest)
		return
	}
	if err := s.store.DeleteSource(r.Context(), id); err != nil {
		if database.IsNotFound(err) {
			http.Error(w, "Source not found", http.StatusNotFound)
			return
		}
		s.log.Error("source_delete_failed", slog.Int64("id", id), slog.String("err", err.Error()))
		http.Error(w, "Failed to delete", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		http.Error(w, "Importer disabled", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := s.importer.ImportAll(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("Import error: %v", err), http.StatusInternalServerError)
		return
	}

	total := 0
	for _, c := range results {
		total += c
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"new_items": total,
		"sources":   len(results),
	})
}

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	imported, err := opml.Import(r.Context(), file, s.store)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to import OPML: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"imported": imported,
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.GetSources(r.Context())
	if err != nil {
		http.Error(w, "Failed to get sources", http.StatusInternalServerError)
		return
	}
	data, err := opml.Export("Dpiter Sources", sources, time.Now())
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=dpiter-sources.opml")
	w.Write(data)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, _ := s.store.GetPollingInterval(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"polling_interval": interval,
	})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// Enforce minimum.
	if req.PollingInterval < importer.MinPollingIntervalMinutes {
		req.PollingInterval = importer.MinPollingIntervalMinutes
	}
	if err := s.store.SetSetting(r.Context(), model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		http.Error(w, "Failed to save", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "polling_interval": req.PollingInterval})
}

// --- Helpers ---

// categoryParam reads ?category=; empty selects the global feed.
func categoryParam(r *http.Request) (string, bool) {
	c := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("category")))
	return c, c == "" || model.IsCategory(c)
}

func validateItem(it *model.Item) error {
	it.Title = strings.TrimSpace(it.Title)
	switch {
	case it.Title == "":
		return errors.New("title is required")
	case !model.IsCategory(it.Category):
		return fmt.Errorf("unknown category %q", it.Category)
	case it.Price.IsNegative():
		return errors.New("price must not be negative")
	case it.ImageWidth < 0 || it.ImageHeight < 0:
		return errors.New("image size must not be negative")
	}
	return nil
}

func cacheHeader(res cachepolicy.Result) string {
	if res.FromCache {
		return "HIT"
	}
	return "MISS"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.log.Error("template_failed", slog.String("name", name), slog.String("err", err.Error()))
	}
}

func formatPrice(v interface{}) string {
	switch p := v.(type) {
	case decimal.Decimal:
		return "$" + p.StringFixed(2)
	case *decimal.Decimal:
		if p == nil {
			return ""
		}
		return "$" + p.StringFixed(2)
	}
	return ""
}
