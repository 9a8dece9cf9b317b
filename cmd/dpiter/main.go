package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bryan-buckman/dpiter/internal/cachepolicy"
	"github.com/bryan-buckman/dpiter/internal/config"
	"github.com/bryan-buckman/dpiter/internal/database"
	"github.com/bryan-buckman/dpiter/internal/events"
	"github.com/bryan-buckman/dpiter/internal/feed"
	"github.com/bryan-buckman/dpiter/internal/importer"
	"github.com/bryan-buckman/dpiter/internal/model"
	"github.com/bryan-buckman/dpiter/internal/netmon"
	"github.com/bryan-buckman/dpiter/internal/server"
	"github.com/bryan-buckman/dpiter/internal/snapshot"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (overrides CONFIG_PATH env)")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting dpiter", slog.String("env", cfg.Env))

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	store, err := database.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Error("database_open_failed", slog.String("driver", cfg.DB.Driver), slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("database_opened", slog.String("type", store.DatabaseType()))

	seedSources(rootCtx, store, cfg.Importer, log)

	snap := snapshot.New(cfg.Snapshot.Dir, cfg.Snapshot.Name, cfg.Snapshot.Retention, log)
	snap.SetMaxResources(cfg.Snapshot.MaxResources)

	var prober netmon.Prober
	if cfg.Monitor.ProbeURL != "" {
		prober = netmon.HTTPProber{URL: cfg.Monitor.ProbeURL}
	}
	monitor := netmon.New(rootCtx, prober, cfg.Monitor.ReconnectDelay, log)
	go monitor.Watch(rootCtx, cfg.Monitor.Interval)

	bus := events.NewBus()
	registry := feed.NewRegistry(store, cfg.Feed.PageSize, cfg.Feed.MaxCategories, log)
	feeds := feed.NewService(registry, snap, monitor, bus, log)

	// Feeds filled while offline are stale once the connection returns.
	monitor.Subscribe(func(st netmon.State) {
		if st == netmon.Online {
			bus.Publish(events.Change{})
		}
	})

	im := importer.New(store, bus, cfg.Importer.UserAgent, log)
	srv, err := server.New(server.Options{
		Store:    store,
		Feeds:    feeds,
		Policy:   cachepolicy.New(snap, nil, log),
		Bus:      bus,
		Importer: im,
		Poller:   importer.NewPoller(im, store, log),
		Network:  monitor,
		Log:      log,
	})
	if err != nil {
		log.Error("server_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.Start(cfg.HTTP.Addr())
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}
	shutdownCancel()

	feeds.Close()
	snap.Close()
	store.Close()
	log.Info("service_stopped")
}

// seedSources registers configured feed sources and, unless one was saved
// already, the polling interval.
func seedSources(ctx context.Context, store database.Store, cfg config.ImporterConfig, log *slog.Logger) {
	for _, s := range cfg.Sources {
		category, url := config.ParseSource(s)
		if url == "" {
			continue
		}
		if _, created, err := store.GetOrCreateSource(ctx, category, url, url); err != nil {
			log.Warn("source_seed_failed", slog.String("url", url), slog.String("err", err.Error()))
		} else if created {
			log.Info("source_added", slog.String("url", url), slog.String("category", category))
		}
	}
	minutes := int(cfg.Interval / time.Minute)
	if _, err := store.SetSettingDefault(ctx, model.SettingPollingInterval, strconv.Itoa(minutes)); err != nil {
		log.Warn("polling_interval_seed_failed", slog.String("err", err.Error()))
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case config.EnvDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case config.EnvProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}
