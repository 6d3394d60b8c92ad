package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Fingerprint derives the cache key for an outbound request: SHA-256 over the
// source name, the canonical URL and the sorted query parameters.
func Fingerprint(source, rawURL string, params url.Values) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(rawURL))
	h.Write([]byte{0})

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string(nil), params[k]...)
		sort.Strings(vs)
		h.Write([]byte(k + "=" + strings.Join(vs, ",")))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats is a point-in-time snapshot of one shard.
type CacheStats struct {
	Name    string        `json:"name"`
	Size    int64         `json:"size"`
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	HitRate float64       `json:"hitRate"`
	TTL     time.Duration `json:"ttl"`
}

// Shard is one bounded purpose-scoped response cache: an in-memory ristretto
// layer with TTL and an optional durable layer consulted on memory miss.
// Expired entries are never returned, even below the size bound.
type Shard struct {
	name       string
	ttl        time.Duration
	overrideOK bool

	mem *gocache.Cache[[]byte]
	rc  *ristretto.Cache

	durable *gocache.Cache[[]byte]

	size   atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64

	metrics *cacheMetrics
}

// ShardConfig configures one shard. A nil Durable store keeps the shard
// memory-only. AllowTTLOverride gates per-write TTLs; shards without it
// always use the shard-wide default (the book shard, notably).
type ShardConfig struct {
	Name             string
	MaxEntries       int64
	TTL              time.Duration
	AllowTTLOverride bool
	Durable          store.StoreInterface
	Metrics          *cacheMetrics
}

// NewShard builds a shard. The ristretto layer is sized by entry count, not
// byte cost, because payloads here are uniformly small JSON documents.
func NewShard(cfg ShardConfig) (*Shard, error) {
	s := &Shard{
		name:       cfg.Name,
		ttl:        cfg.TTL,
		overrideOK: cfg.AllowTTLOverride,
		metrics:    cfg.Metrics,
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if s.ttl <= 0 {
		s.ttl = 24 * time.Hour
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
		OnEvict: func(*ristretto.Item) {
			s.size.Add(-1)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building %s shard: %w", cfg.Name, err)
	}
	s.rc = rc
	s.mem = gocache.New[[]byte](ristretto_store.NewRistretto(rc))
	if cfg.Durable != nil {
		s.durable = gocache.New[[]byte](cfg.Durable)
	}
	return s, nil
}

// Get returns the cached payload if present and unexpired.
func (s *Shard) Get(ctx context.Context, key string) ([]byte, bool) {
	v, _, ok := s.GetWithTTL(ctx, key)
	return v, ok
}

// GetWithTTL returns the payload and its remaining TTL. A durable layer, if
// configured, is consulted on memory miss and the hit is promoted back into
// memory with its remaining TTL.
func (s *Shard) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	if v, ttl, err := s.mem.GetWithTTL(ctx, key); err == nil && ttl > 0 {
		s.hit()
		return v, ttl, true
	}
	if s.durable != nil {
		if v, ttl, err := s.durable.GetWithTTL(ctx, key); err == nil && ttl > 0 {
			s.setMem(ctx, key, v, ttl)
			s.hit()
			return v, ttl, true
		}
	}
	s.miss()
	return nil, 0, false
}

// Set writes the payload. A non-positive ttl, or any ttl on a shard without
// override support, falls back to the shard default.
func (s *Shard) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || !s.overrideOK {
		ttl = s.ttl
	}
	s.setMem(ctx, key, value, ttl)
	if s.durable != nil {
		if err := s.durable.Set(ctx, key, value, store.WithExpiration(ttl)); err != nil {
			Log(ctx).Warn("problem writing durable cache", "shard", s.name, "err", err)
		}
	}
}

func (s *Shard) setMem(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := s.mem.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(1))
	if err != nil {
		Log(ctx).Warn("problem writing cache", "shard", s.name, "err", err)
		return
	}
	s.size.Add(1)
	// Ristretto admits asynchronously; wait so the entry is visible to an
	// immediate re-read.
	s.rc.Wait()
}

// Expire drops an entry from every layer.
func (s *Shard) Expire(ctx context.Context, key string) error {
	if err := s.mem.Delete(ctx, key); err == nil {
		s.size.Add(-1)
	}
	if s.durable != nil {
		return s.durable.Delete(ctx, key)
	}
	return nil
}

// Stats snapshots the shard counters.
func (s *Shard) Stats() CacheStats {
	hits, misses := s.hits.Load(), s.misses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	size := s.size.Load()
	if size < 0 {
		size = 0
	}
	return CacheStats{
		Name:    s.name,
		Size:    size,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
		TTL:     s.ttl,
	}
}

func (s *Shard) hit() {
	s.hits.Add(1)
	if s.metrics != nil {
		s.metrics.hitInc(s.name)
	}
}

func (s *Shard) miss() {
	s.misses.Add(1)
	if s.metrics != nil {
		s.metrics.missInc(s.name)
	}
}

// CacheSet bundles the purpose-scoped shards every component shares. The
// contract is identical across shards; only sizes, TTLs and the override
// policy differ.
type CacheSet struct {
	Books *Shard // enriched book records, shard-wide TTL only
	API   *Shard // raw API responses, per-write TTL override allowed
	Pages *Shard // fetched HTML pages
}

// NewCacheSet builds the standard three shards. durable, when non-nil, backs
// the API shard so long-lived responses (series metadata) survive restarts.
func NewCacheSet(cfg CacheConfig, durable store.StoreInterface, metrics *cacheMetrics) (*CacheSet, error) {
	books, err := NewShard(ShardConfig{
		Name:       "books",
		MaxEntries: cfg.MaxEntries,
		TTL:        cfg.BookTTL,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	api, err := NewShard(ShardConfig{
		Name:             "api",
		MaxEntries:       cfg.MaxEntries,
		TTL:              cfg.APITTL,
		AllowTTLOverride: true,
		Durable:          durable,
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}
	pages, err := NewShard(ShardConfig{
		Name:       "pages",
		MaxEntries: cfg.MaxEntries,
		TTL:        cfg.PageTTL,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	return &CacheSet{Books: books, API: api, Pages: pages}, nil
}

// Stats reports every shard.
func (c *CacheSet) Stats() []CacheStats {
	return []CacheStats{c.Books.Stats(), c.API.Stats(), c.Pages.Stats()}
}
