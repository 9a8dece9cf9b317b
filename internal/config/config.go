// Package config loads the service configuration from YAML and environment
// variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/bryan-buckman/dpiter/internal/model"
)

// Environments understood by the logger setup.
const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Config is the root configuration.
// Sources in priority order:
//  1. explicit path passed to MustLoad/Load;
//  2. the CONFIG_PATH environment variable;
//  3. ./local.yaml in the working directory;
//  4. environment variables only.
type Config struct {
	Env      string         `yaml:"env" env:"DPITER_ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	DB       DBConfig       `yaml:"db"`
	Feed     FeedConfig     `yaml:"feed"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Importer ImporterConfig `yaml:"importer"`
}

// HTTPConfig holds the listen address.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// DBConfig selects the catalog backend.
type DBConfig struct {
	Driver string `yaml:"driver" env:"DB_DRIVER" env-default:"sqlite"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn" env:"DATABASE_URL" env-default:"dpiter.db"`
}

// FeedConfig tunes the in-memory feeds.
type FeedConfig struct {
	PageSize      int `yaml:"page_size" env:"FEED_PAGE_SIZE" env-default:"8"`
	MaxCategories int `yaml:"max_categories" env:"FEED_MAX_CATEGORIES" env-default:"32"`
}

// SnapshotConfig locates the local persistent cache.
type SnapshotConfig struct {
	Dir       string        `yaml:"dir" env:"SNAPSHOT_DIR" env-default:"data"`
	Name      string        `yaml:"name" env:"SNAPSHOT_NAME" env-default:"dpiter-cache"`
	Retention time.Duration `yaml:"retention" env:"SNAPSHOT_RETENTION" env-default:"360h"`
	// MaxResources caps cached images and API responses.
	MaxResources int `yaml:"max_resources" env:"SNAPSHOT_MAX_RESOURCES" env-default:"2000"`
}

// MonitorConfig drives the network availability monitor. An empty probe URL
// disables probing and the service stays online.
type MonitorConfig struct {
	ProbeURL       string        `yaml:"probe_url" env:"MONITOR_PROBE_URL"`
	Interval       time.Duration `yaml:"interval" env:"MONITOR_INTERVAL" env-default:"30s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"MONITOR_RECONNECT_DELAY" env-default:"500ms"`
}

// ImporterConfig drives the affiliate feed importer.
type ImporterConfig struct {
	// Sources are feed URLs, optionally prefixed with "category=".
	// Via ENV: IMPORTER_SOURCES, comma separated.
	Sources   []string      `yaml:"sources" env:"IMPORTER_SOURCES" env-separator:","`
	Interval  time.Duration `yaml:"interval" env:"IMPORTER_INTERVAL" env-default:"15m"`
	UserAgent string        `yaml:"user_agent" env:"IMPORTER_USER_AGENT" env-default:"dpiter/1.0"`
}

// ParseSource splits a configured source into its category and URL.
func ParseSource(s string) (category, url string) {
	s = strings.TrimSpace(s)
	if c, rest, ok := strings.Cut(s, "="); ok && model.IsCategory(c) {
		return c, strings.TrimSpace(rest)
	}
	return "", s
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration by priority:
// 1) explicit path; 2) CONFIG_PATH; 3) ./local.yaml; 4) ENV.
func Load(path string) (*Config, error) {
	var cfg Config

	tryRead := func(p string) (*Config, error) {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", p)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}

	if path != "" {
		return tryRead(path)
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return tryRead(envPath)
	}
	if _, err := os.Stat("local.yaml"); err == nil {
		return tryRead("local.yaml")
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return fmt.Errorf("env must be one of local, dev, prod")
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("feed.page_size must be > 0")
	}
	if c.Feed.MaxCategories <= len(model.Categories) {
		return fmt.Errorf("feed.max_categories must exceed the number of categories (%d)", len(model.Categories))
	}
	if c.Snapshot.Retention <= 0 {
		return fmt.Errorf("snapshot.retention must be > 0")
	}
	if c.Monitor.ReconnectDelay < 0 {
		return fmt.Errorf("monitor.reconnect_delay must be >= 0")
	}
	if c.Monitor.ProbeURL != "" && c.Monitor.Interval < time.Second {
		return fmt.Errorf("monitor.interval must be at least 1s")
	}
	if c.Importer.Interval < 15*time.Minute {
		return fmt.Errorf("importer.interval must be at least 15m")
	}
	return nil
}
