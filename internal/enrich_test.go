package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scripted Source for engine and search tests.
type fakeSource struct {
	name    string
	byISBN  map[string]CanonicalRecord
	titles  []CanonicalRecord
	authors []CanonicalRecord
	err     error
	delay   time.Duration
	fetches atomic.Int64
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchByISBN(ctx context.Context, isbn string) (*CanonicalRecord, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.byISBN[CanonicalISBN13(isbn)]
	if !ok {
		return nil, &SourceError{Kind: KindNotFound, Source: f.name}
	}
	return &rec, nil
}

func (f *fakeSource) SearchByTitle(ctx context.Context, q string, limit int) ([]CanonicalRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.titles, nil
}

func (f *fakeSource) SearchByAuthor(ctx context.Context, q string, limit int) ([]CanonicalRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.authors, nil
}

func (f *fakeSource) SearchSeries(ctx context.Context, name string) (*Series, []CanonicalRecord, error) {
	return nil, nil, &SourceError{Kind: KindNotFound, Source: f.name}
}

const _duneISBN = "9780441013593"

func testCaches(t *testing.T) *CacheSet {
	t.Helper()
	caches, err := NewCacheSet(CacheConfig{
		MaxEntries: 1000,
		BookTTL:    time.Minute,
		APITTL:     time.Minute,
		PageTTL:    time.Minute,
	}, nil, nil)
	require.NoError(t, err)
	return caches
}

func testEngine(t *testing.T, gw Gateway, sources ...Source) *Engine {
	t.Helper()
	return NewEngine(sources, testCaches(t), gw, nil, nil, "", EnrichConfig{}, nil)
}

func TestEnrichMergesByPrecedence(t *testing.T) {
	primary := &fakeSource{name: "primary", byISBN: map[string]CanonicalRecord{
		_duneISBN: {
			Title:   "Dune",
			Authors: []string{"Frank Herbert"},
			ISBN13:  _duneISBN,
			Source:  "primary",
		},
	}}
	secondary := &fakeSource{name: "secondary", byISBN: map[string]CanonicalRecord{
		_duneISBN: {
			Title:       "Dune: 40th Anniversary",
			Authors:     []string{"Frank Herbert", "Brian Herbert"},
			ISBN13:      _duneISBN,
			Publisher:   "Ace Books",
			PageCount:   412,
			Description: "Spice.",
			Source:      "secondary",
		},
	}}

	gw := NewMemGateway()
	engine := testEngine(t, gw, primary, secondary)

	res, err := engine.EnrichByISBN(context.Background(), _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, res.Record)

	// The primary's title wins; the secondary fills what the primary lacked.
	assert.Equal(t, "Dune", res.Record.Title)
	assert.Equal(t, "Ace Books", res.Record.Publisher)
	assert.Equal(t, 412, res.Record.PageCount)
	assert.Equal(t, "Spice.", res.Record.Description)
	assert.Equal(t, []string{"Frank Herbert", "Brian Herbert"}, res.Record.Authors)
	assert.Equal(t, "primary", res.Record.Source)
	assert.Equal(t, []string{"primary", "secondary"}, res.SourcesUsed)

	be, err := gw.BookByISBN(context.Background(), _duneISBN)
	require.NoError(t, err)
	assert.Equal(t, "Dune", be.Book.Title)
}

func TestEnrichReplacesStaleTitle(t *testing.T) {
	gw := NewMemGateway()
	_, err := gw.UpsertRecord(context.Background(), CanonicalRecord{
		Title:     "dune paperback (used)",
		Authors:   []string{"Frank Herbert"},
		ISBN13:    _duneISBN,
		Publisher: "Some Reseller",
	})
	require.NoError(t, err)

	src := &fakeSource{name: "src", byISBN: map[string]CanonicalRecord{
		_duneISBN: {Title: "Dune", Authors: []string{"Frank Herbert"}, ISBN13: _duneISBN, Publisher: "Ace Books"},
	}}
	engine := testEngine(t, gw, src)

	res, err := engine.EnrichByISBN(context.Background(), _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	be, err := gw.BookByISBN(context.Background(), _duneISBN)
	require.NoError(t, err)
	assert.Equal(t, "Dune", be.Book.Title, "stale titles are replaced")
	assert.Equal(t, "Some Reseller", be.Edition.Publisher, "publisher only fills gaps")
}

func TestEnrichCachesHits(t *testing.T) {
	src := &fakeSource{name: "src", byISBN: map[string]CanonicalRecord{
		_duneISBN: {Title: "Dune", ISBN13: _duneISBN},
	}}
	engine := testEngine(t, NewMemGateway(), src)
	ctx := context.Background()

	res, err := engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	res, err = engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCachedHit, res.Outcome)
	assert.Equal(t, "Dune", res.Record.Title)
	assert.Equal(t, int64(1), src.fetches.Load())
}

func TestEnrichNegativeCachesMisses(t *testing.T) {
	src := &fakeSource{name: "src", byISBN: map[string]CanonicalRecord{}}
	engine := testEngine(t, NewMemGateway(), src)
	ctx := context.Background()

	res, err := engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	res, err = engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Equal(t, int64(1), src.fetches.Load(), "misses are negative cached")
}

func TestEnrichFailureNotCached(t *testing.T) {
	src := &fakeSource{name: "src", err: &SourceError{Kind: KindTransient, Source: "src"}}
	engine := testEngine(t, NewMemGateway(), src)
	ctx := context.Background()

	res, err := engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.NotEmpty(t, res.Warnings)

	res, err = engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int64(2), src.fetches.Load(), "failures must not be cached")
}

func TestEnrichPartialSourceFailure(t *testing.T) {
	broken := &fakeSource{name: "broken", err: &SourceError{Kind: KindTransient, Source: "broken"}}
	working := &fakeSource{name: "working", byISBN: map[string]CanonicalRecord{
		_duneISBN: {Title: "Dune", ISBN13: _duneISBN},
	}}
	engine := testEngine(t, NewMemGateway(), broken, working)

	res, err := engine.EnrichByISBN(context.Background(), _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, []string{"working"}, res.SourcesUsed)
}

func TestEnrichForceRefreshBypassesCache(t *testing.T) {
	src := &fakeSource{name: "src", byISBN: map[string]CanonicalRecord{}}
	engine := testEngine(t, NewMemGateway(), src)
	ctx := context.Background()

	res, err := engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)

	// The source learns about the book; only a forced refresh can see it
	// past the negative cache.
	src.byISBN[_duneISBN] = CanonicalRecord{Title: "Dune", ISBN13: _duneISBN}

	res, err = engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome, "still negative cached")

	res, err = engine.EnrichByISBN(ctx, _duneISBN, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Dune", res.Record.Title)

	// The forced result replaces the cached entry.
	res, err = engine.EnrichByISBN(ctx, _duneISBN, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCachedHit, res.Outcome)
	assert.Equal(t, int64(2), src.fetches.Load())
}

func TestEnrichCoalescesConcurrentRequests(t *testing.T) {
	src := &fakeSource{
		name:  "slow",
		delay: 100 * time.Millisecond,
		byISBN: map[string]CanonicalRecord{
			_duneISBN: {Title: "Dune", ISBN13: _duneISBN},
		},
	}
	engine := testEngine(t, NewMemGateway(), src)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.EnrichByISBN(context.Background(), _duneISBN, false)
			assert.NoError(t, err)
			assert.NotEqual(t, OutcomeFailed, res.Outcome)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), src.fetches.Load(), "concurrent requests must coalesce")
}

func TestEnrichInvalidISBN(t *testing.T) {
	engine := testEngine(t, NewMemGateway(), &fakeSource{name: "src"})
	_, err := engine.EnrichByISBN(context.Background(), "junk", false)
	assert.ErrorIs(t, err, errBadRequest)
}

func TestEnrichAllBatches(t *testing.T) {
	byISBN := map[string]CanonicalRecord{}
	var isbns []string
	unique := []string{
		"9780441013593", "9780306406157", "9780975229804",
		"9780000000002", "9780000000019",
	}
	for _, isbn := range unique {
		byISBN[isbn] = CanonicalRecord{Title: "Book " + isbn, ISBN13: isbn}
		isbns = append(isbns, isbn)
	}
	// The repeat falls into the second batch and lands on the cache.
	isbns = append(isbns, unique[0])

	src := &fakeSource{name: "src", byISBN: byISBN}
	engine := testEngine(t, NewMemGateway(), src)

	start := time.Now()
	summary, err := engine.EnrichAll(context.Background(), isbns, false)
	require.NoError(t, err)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, 1, summary.Cached)
	assert.Zero(t, summary.Failed)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "batches pause between each other")
}

func TestCombineAppendsPrices(t *testing.T) {
	now := time.Now()
	merged := combine([]CanonicalRecord{
		{Title: "Dune", Prices: []PriceSnapshot{{Source: "a", Currency: "USD", Amount: 9.99, At: now}}},
		{Title: "Dune", Prices: []PriceSnapshot{{Source: "b", Currency: "USD", Amount: 9.99, At: now}}},
	})
	assert.Len(t, merged.Prices, 2, "prices append and never dedupe")
}
