package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Everything has a workable
// default; a config file only needs the deviations.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// DatabasePath is the SQLite library database.
	DatabasePath string `yaml:"database_path"`
	// CacheDSN, when set, is a Postgres connection string backing the
	// durable cache layer and job recovery.
	CacheDSN string `yaml:"cache_dsn"`

	Cache   CacheConfig   `yaml:"cache"`
	Sources SourcesConfig `yaml:"sources"`
	Enrich  EnrichConfig  `yaml:"enrichment"`
	Import  ImportConfig  `yaml:"import"`

	// PageFallbackURL is a product page template (%s for the ISBN) scraped
	// for covers and descriptions no API source had. Empty disables it.
	PageFallbackURL string `yaml:"page_fallback_url"`
}

type CacheConfig struct {
	MaxEntries int64         `yaml:"max_entries"`
	BookTTL    time.Duration `yaml:"book_ttl"`
	APITTL     time.Duration `yaml:"api_ttl"`
	PageTTL    time.Duration `yaml:"page_ttl"`
}

// SourcesConfig lists the providers in precedence order.
type SourcesConfig struct {
	GoogleBooks SourceConfig `yaml:"googlebooks"`
	OpenLibrary SourceConfig `yaml:"openlibrary"`
	Hardcover   SourceConfig `yaml:"hardcover"`
}

type SourceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	PerSecond int           `yaml:"per_second"`
	PerMinute int           `yaml:"per_minute"`
	Timeout   time.Duration `yaml:"timeout"`
}

// timeout is the HTTP client timeout for the source, defaulted.
func (c SourceConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 20 * time.Second
}

// EnrichConfig tunes bulk enrichment pacing. LongTTL, when set, overrides the
// book cache shard's TTL, which holds the merged enrichment results.
type EnrichConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`
	LongTTL         time.Duration `yaml:"long_ttl"`
}

type ImportConfig struct {
	Workers        int  `yaml:"workers"`
	Enrich         bool `yaml:"enrich"`
	SkipDuplicates bool `yaml:"skip_duplicates"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Listen:       ":8788",
		LogLevel:     "info",
		DatabasePath: "booktarr.db",
		Cache: CacheConfig{
			MaxEntries: 10_000,
			BookTTL:    24 * time.Hour,
			APITTL:     6 * time.Hour,
			PageTTL:    7 * 24 * time.Hour,
		},
		Sources: SourcesConfig{
			GoogleBooks: SourceConfig{
				Enabled: true,
				BaseURL: "https://www.googleapis.com/books/v1",
			},
			OpenLibrary: SourceConfig{
				Enabled: true,
				BaseURL: "https://openlibrary.org",
			},
			Hardcover: SourceConfig{
				BaseURL: "https://api.hardcover.app/v1/graphql",
			},
		},
		Enrich: EnrichConfig{
			BatchSize:       5,
			InterBatchDelay: time.Second,
		},
		Import: ImportConfig{Workers: 5},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults untouched.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Enrich.LongTTL > 0 {
		cfg.Cache.BookTTL = cfg.Enrich.LongTTL
	}
	return cfg, nil
}

// BuildSources assembles the enabled sources in precedence order.
func (c Config) BuildSources(caches *CacheSet, metrics *sourceMetrics) []Source {
	var sources []Source
	if c.Sources.GoogleBooks.Enabled {
		sources = append(sources, NewGoogleBooks(c.Sources.GoogleBooks, caches.API, metrics))
	}
	if c.Sources.OpenLibrary.Enabled {
		sources = append(sources, NewOpenLibrary(c.Sources.OpenLibrary, caches.API, metrics))
	}
	if c.Sources.Hardcover.Enabled {
		sources = append(sources, NewHardcover(c.Sources.Hardcover, caches.API, metrics))
	}
	return sources
}
