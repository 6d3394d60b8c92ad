package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// _missing is a negative-cache sentinel: an ISBN no source knows. Cached so
// repeat lookups for junk ISBNs don't burn quota.
var _missing = []byte("_missing")

// EnrichOutcome is what happened to one enrichment request.
type EnrichOutcome string

const (
	OutcomeCompleted EnrichOutcome = "completed"
	OutcomeCachedHit EnrichOutcome = "cached"
	OutcomeNotFound  EnrichOutcome = "not_found"
	OutcomeFailed    EnrichOutcome = "failed"
)

// EnrichResult is the outcome of enriching one ISBN. SourcesUsed names the
// providers that contributed to the merge, in precedence order; Warnings
// carry per-source failures that didn't sink the whole request.
type EnrichResult struct {
	ISBN        string           `json:"isbn"`
	Outcome     EnrichOutcome    `json:"outcome"`
	Record      *CanonicalRecord `json:"record,omitempty"`
	SourcesUsed []string         `json:"sourcesUsed,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
}

// Engine fans enrichment requests out to every source, merges what comes back
// by precedence, and persists the result. Concurrent requests for the same
// ISBN collapse into one upstream flight.
type Engine struct {
	sources []Source // precedence order, authoritative first
	caches  *CacheSet
	gateway Gateway
	series  *Integrity
	pages   *PageFetcher
	pageURL string // fallback product page, %s for the ISBN
	batch   int
	pause   time.Duration

	group   singleflight.Group
	metrics *enrichMetrics
}

func NewEngine(sources []Source, caches *CacheSet, gateway Gateway, series *Integrity, pages *PageFetcher, pageURL string, cfg EnrichConfig, metrics *enrichMetrics) *Engine {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 5
	}
	pause := cfg.InterBatchDelay
	if pause <= 0 {
		pause = time.Second
	}
	return &Engine{
		sources: sources,
		caches:  caches,
		gateway: gateway,
		series:  series,
		pages:   pages,
		pageURL: pageURL,
		batch:   batch,
		pause:   pause,
		metrics: metrics,
	}
}

// Sources exposes the configured sources in precedence order, for the
// searcher that shares them.
func (e *Engine) Sources() []Source { return e.sources }

// EnrichByISBN resolves one ISBN to a merged record. Reads hit the book shard
// first; a miss fans out to every source concurrently. forceRefresh skips the
// cache read, so even a negative-cached ISBN gets a fresh fan-out. Nothing is
// persisted unless the whole merge-and-upsert succeeds.
func (e *Engine) EnrichByISBN(ctx context.Context, isbn string, forceRefresh bool) (*EnrichResult, error) {
	canonical := CanonicalISBN13(isbn)
	if canonical == "" {
		return nil, fmt.Errorf("%w: invalid isbn %q", errBadRequest, isbn)
	}
	key := "enriched:" + canonical

	if body, ok := e.caches.Books.Get(ctx, key); ok && !forceRefresh {
		if string(body) == string(_missing) {
			return &EnrichResult{ISBN: canonical, Outcome: OutcomeNotFound}, nil
		}
		var rec CanonicalRecord
		if err := json.Unmarshal(body, &rec); err == nil {
			return &EnrichResult{ISBN: canonical, Outcome: OutcomeCachedHit, Record: &rec}, nil
		}
		_ = e.caches.Books.Expire(ctx, key)
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.enrich(ctx, canonical, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EnrichResult), nil
}

func (e *Engine) enrich(ctx context.Context, canonical, key string) (*EnrichResult, error) {
	start := time.Now()
	recs, used, warnings, failures := e.fanOut(ctx, canonical)

	result := &EnrichResult{ISBN: canonical, SourcesUsed: used, Warnings: warnings}
	switch {
	case len(recs) > 0:
		merged := combine(recs)
		merged.ISBN13 = canonical
		e.pageFallback(ctx, &merged)

		outcome, err := e.gateway.UpsertRecord(ctx, merged)
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Warnings = append(result.Warnings, "persist: "+err.Error())
			e.observe(result.Outcome, start)
			return result, nil
		}
		if e.series != nil && merged.SeriesName != "" {
			_ = e.series.Link(ctx, SeriesLink{
				SeriesName: merged.SeriesName,
				Total:      merged.SeriesTotal,
				Position:   merged.SeriesPosition,
				BookID:     outcome.Book.ID,
				Status:     VolumeOwned,
				Source:     merged.Source,
			})
		}
		if body, err := json.Marshal(merged); err == nil {
			e.caches.Books.Set(ctx, key, body, 0)
		}
		result.Outcome = OutcomeCompleted
		result.Record = &merged

	case failures > 0:
		// At least one source was reachable but errored; don't negative-cache
		// what might exist.
		result.Outcome = OutcomeFailed

	default:
		result.Outcome = OutcomeNotFound
		e.caches.Books.Set(ctx, key, _missing, 0)
	}

	e.observe(result.Outcome, start)
	return result, nil
}

func (e *Engine) observe(outcome EnrichOutcome, start time.Time) {
	if e.metrics != nil {
		e.metrics.observe(string(outcome), time.Since(start))
	}
}

// fanOut queries every source concurrently, returning hits and the names of
// the sources that produced them, both in precedence order, plus warnings for
// each failure. failures counts transient errors only.
func (e *Engine) fanOut(ctx context.Context, canonical string) ([]CanonicalRecord, []string, []string, int) {
	results := make([]*CanonicalRecord, len(e.sources))
	var mu sync.Mutex
	var warnings []string
	failures := 0

	var group errgroup.Group
	for i, src := range e.sources {
		group.Go(func() error {
			rec, err := src.FetchByISBN(ctx, canonical)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !isNotFound(err) {
					failures++
					warnings = append(warnings, src.Name()+": "+err.Error())
				}
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	_ = group.Wait()

	recs := make([]CanonicalRecord, 0, len(results))
	var used []string
	for i, r := range results {
		if r != nil {
			recs = append(recs, *r)
			used = append(used, e.sources[i].Name())
		}
	}
	return recs, used, warnings, failures
}

// pageFallback fills a missing cover or description from the product page.
// Strictly best effort.
func (e *Engine) pageFallback(ctx context.Context, rec *CanonicalRecord) {
	if e.pages == nil || e.pageURL == "" {
		return
	}
	if rec.CoverURL != "" && rec.Description != "" {
		return
	}
	meta, err := e.pages.Fetch(ctx, fmt.Sprintf(e.pageURL, rec.ISBN13))
	if err != nil {
		if !errors.Is(err, errNotFound) {
			Log(ctx).Debug("page fallback failed", "isbn", rec.ISBN13, "err", err)
		}
		return
	}
	if rec.CoverURL == "" {
		rec.CoverURL = meta.CoverURL
	}
	if rec.Description == "" {
		rec.Description = meta.Description
	}
}

// combine folds per-source records, ordered by precedence, into one. The
// first record is the skeleton; lower-precedence records fill gaps, list
// fields union in first-seen order, prices always append.
func combine(recs []CanonicalRecord) CanonicalRecord {
	out := recs[0]
	authors := newOrderedSet(out.Authors...)
	categories := newOrderedSet(out.Categories...)

	for _, rec := range recs[1:] {
		if out.Title == "" {
			out.Title = rec.Title
		}
		if out.OriginalTitle == "" {
			out.OriginalTitle = rec.OriginalTitle
		}
		if out.ISBN10 == "" {
			out.ISBN10 = rec.ISBN10
		}
		if out.Publisher == "" {
			out.Publisher = rec.Publisher
		}
		if out.PublishedDate == nil {
			out.PublishedDate = rec.PublishedDate
		}
		if out.PageCount == 0 {
			out.PageCount = rec.PageCount
		}
		if out.Language == "" {
			out.Language = rec.Language
		}
		if out.Format == "" {
			out.Format = rec.Format
		}
		if out.Description == "" {
			out.Description = rec.Description
		}
		if out.CoverURL == "" {
			out.CoverURL = rec.CoverURL
		}
		if out.SeriesName == "" {
			out.SeriesName = rec.SeriesName
			out.SeriesPosition = rec.SeriesPosition
		}
		if out.SeriesTotal == 0 {
			out.SeriesTotal = rec.SeriesTotal
		}
		authors.add(rec.Authors...)
		categories.add(rec.Categories...)
		out.Prices = append(out.Prices, rec.Prices...)
	}

	out.Authors = authors.values()
	out.Categories = categories.values()
	out.FetchedAt = time.Now().UTC()
	return out
}

// MergeRecord applies a fresh enrichment onto a previously stored record.
// Display fields always take the fresh non-empty value, identity-ish fields
// only fill gaps, and price history is append-only.
func MergeRecord(existing, enriched CanonicalRecord) CanonicalRecord {
	out := existing

	// Always refreshed when the enrichment has them.
	if enriched.Title != "" {
		out.Title = enriched.Title
	}
	if enriched.Description != "" {
		out.Description = enriched.Description
	}
	if enriched.CoverURL != "" {
		out.CoverURL = enriched.CoverURL
	}
	if enriched.PageCount > 0 {
		out.PageCount = enriched.PageCount
	}
	if enriched.PublishedDate != nil {
		out.PublishedDate = enriched.PublishedDate
	}

	// Fill-only fields keep whatever the library already had.
	if out.OriginalTitle == "" {
		out.OriginalTitle = enriched.OriginalTitle
	}
	if out.Publisher == "" {
		out.Publisher = enriched.Publisher
	}
	if out.Language == "" {
		out.Language = enriched.Language
	}
	if out.Format == "" {
		out.Format = enriched.Format
	}
	if out.ISBN10 == "" {
		out.ISBN10 = enriched.ISBN10
	}
	if out.SeriesName == "" {
		out.SeriesName = enriched.SeriesName
		out.SeriesPosition = enriched.SeriesPosition
	}
	if out.SeriesTotal == 0 {
		out.SeriesTotal = enriched.SeriesTotal
	}

	authors := newOrderedSet(out.Authors...)
	authors.add(enriched.Authors...)
	out.Authors = authors.values()

	categories := newOrderedSet(out.Categories...)
	categories.add(enriched.Categories...)
	out.Categories = categories.values()

	out.Prices = append(out.Prices, enriched.Prices...)
	if enriched.Source != "" {
		out.Source = enriched.Source
	}
	out.FetchedAt = enriched.FetchedAt
	return out
}

// BatchResult summarizes a bulk enrichment.
type BatchResult struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Cached    int `json:"cached"`
	NotFound  int `json:"notFound"`
	Failed    int `json:"failed"`
}

// EnrichAll enriches ISBNs in configured batches with a pause between them,
// spreading bulk refreshes thin against source quotas. Cancellation stops
// between batches.
func (e *Engine) EnrichAll(ctx context.Context, isbns []string, forceRefresh bool) (*BatchResult, error) {
	batchSize := e.batch
	pacer := rate.NewLimiter(rate.Every(e.pause), 1)
	// The bucket starts full; burn the token so the first inter-batch pause
	// is a real pause.
	pacer.Allow()

	summary := &BatchResult{Total: len(isbns)}
	var mu sync.Mutex

	for start := 0; start < len(isbns); start += batchSize {
		if start > 0 {
			if err := pacer.Wait(ctx); err != nil {
				return summary, err
			}
		}
		end := min(start+batchSize, len(isbns))

		var group errgroup.Group
		for _, isbn := range isbns[start:end] {
			group.Go(func() error {
				res, err := e.EnrichByISBN(ctx, isbn, forceRefresh)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					summary.Failed++
					return nil
				}
				switch res.Outcome {
				case OutcomeCompleted:
					summary.Completed++
				case OutcomeCachedHit:
					summary.Cached++
				case OutcomeNotFound:
					summary.NotFound++
				case OutcomeFailed:
					summary.Failed++
				}
				return nil
			})
		}
		_ = group.Wait()

		if err := ctx.Err(); err != nil {
			return summary, err
		}
	}
	return summary, nil
}
