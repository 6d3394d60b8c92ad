package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	graphql "github.com/hasura/go-graphql-client"
)

// Hardcover talks to a Hardcover-shaped GraphQL API. It is the authority for
// series metadata: declared totals come from here when available.
type Hardcover struct {
	gql     *graphql.Client
	limiter *Limiter
	cache   *Shard
	metrics *sourceMetrics
}

// limitedTransport runs every round trip through the windowed limiter, which
// covers GraphQL posts that don't go through the shared fetcher.
type limitedTransport struct {
	limiter *Limiter
	http.RoundTripper
}

func (t limitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.limiter.Acquire(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

func NewHardcover(cfg SourceConfig, cache *Shard, metrics *sourceMetrics) *Hardcover {
	limiter := NewLimiter("hardcover", cfg.PerSecond, cfg.PerMinute)
	var rt http.RoundTripper = errorProxyTransport{http.DefaultTransport}
	if cfg.APIKey != "" {
		rt = &HeaderTransport{Key: "Authorization", Value: "Bearer " + cfg.APIKey, RoundTripper: rt}
	}
	client := &http.Client{
		Timeout:   cfg.timeout(),
		Transport: limitedTransport{limiter: limiter, RoundTripper: rt},
	}
	return &Hardcover{
		gql:     graphql.NewClient(cfg.BaseURL, client),
		limiter: limiter,
		cache:   cache,
		metrics: metrics,
	}
}

func (h *Hardcover) Name() string { return "hardcover" }

type hcEdition struct {
	Title       string `graphql:"title"`
	ISBN10      string `graphql:"isbn_10"`
	ISBN13      string `graphql:"isbn_13"`
	PagesCount  int    `graphql:"pages"`
	ReleaseDate string `graphql:"release_date"`
	Language    string `graphql:"language"`
	Publisher   struct {
		Name string `graphql:"name"`
	} `graphql:"publisher"`
	Image struct {
		URL string `graphql:"url"`
	} `graphql:"image"`
	Book struct {
		Title       string `graphql:"title"`
		Description string `graphql:"description"`
		Contributions []struct {
			Author struct {
				Name string `graphql:"name"`
			} `graphql:"author"`
		} `graphql:"contributions"`
		BookSeries []struct {
			Position float64 `graphql:"position"`
			Series   struct {
				Name       string `graphql:"name"`
				BooksCount int    `graphql:"books_count"`
			} `graphql:"series"`
		} `graphql:"book_series"`
	} `graphql:"book"`
}

func (h *Hardcover) record(e hcEdition) CanonicalRecord {
	rec := CanonicalRecord{
		Title:         e.Title,
		ISBN10:        e.ISBN10,
		ISBN13:        e.ISBN13,
		PageCount:     e.PagesCount,
		PublishedDate: ParseDate(e.ReleaseDate),
		Language:      e.Language,
		Publisher:     e.Publisher.Name,
		CoverURL:      e.Image.URL,
		Description:   e.Book.Description,
		Source:        h.Name(),
	}
	if rec.Title == "" {
		rec.Title = e.Book.Title
	}
	for _, c := range e.Book.Contributions {
		if c.Author.Name != "" {
			rec.Authors = append(rec.Authors, c.Author.Name)
		}
	}
	if len(e.Book.BookSeries) > 0 {
		bs := e.Book.BookSeries[0]
		rec.SeriesName = bs.Series.Name
		rec.SeriesPosition = int(bs.Position)
		rec.SeriesTotal = bs.Series.BooksCount
	}
	FinishRecord(&rec)
	return rec
}

// cachedQuery wraps a GraphQL call in the response cache: keys fingerprint
// the operation plus its variables, values are the canonical records.
func (h *Hardcover) cachedQuery(ctx context.Context, op string, vars url.Values, fetch func(context.Context) ([]CanonicalRecord, error)) ([]CanonicalRecord, error) {
	key := Fingerprint(h.Name(), "graphql:"+op, vars)
	if body, ok := h.cache.Get(ctx, key); ok {
		var recs []CanonicalRecord
		if err := json.Unmarshal(body, &recs); err == nil {
			return recs, nil
		}
	}
	if h.metrics != nil {
		h.metrics.requestInc(h.Name())
	}
	recs, err := fetch(ctx)
	if err != nil {
		return nil, classify(h.Name(), err)
	}
	if body, err := json.Marshal(recs); err == nil {
		h.cache.Set(ctx, key, body, 0)
	}
	return recs, nil
}

func (h *Hardcover) FetchByISBN(ctx context.Context, isbn string) (*CanonicalRecord, error) {
	canonical, err := validISBNQuery(h.Name(), isbn)
	if err != nil {
		return nil, err
	}
	recs, err := h.cachedQuery(ctx, "editionByISBN", url.Values{"isbn": {canonical}}, func(ctx context.Context) ([]CanonicalRecord, error) {
		var q struct {
			Editions []hcEdition `graphql:"editions(where: {isbn_13: {_eq: $isbn}}, limit: 1)"`
		}
		vars := map[string]any{"isbn": graphql.String(canonical)}
		if err := h.gql.Query(ctx, &q, vars); err != nil {
			return nil, err
		}
		recs := make([]CanonicalRecord, 0, len(q.Editions))
		for _, e := range q.Editions {
			recs = append(recs, h.record(e))
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &SourceError{Kind: KindNotFound, Source: h.Name(), Detail: "no edition for " + canonical}
	}
	rec := recs[0]
	if rec.ISBN13 == "" {
		rec.ISBN13 = canonical
	}
	return &rec, nil
}

func (h *Hardcover) searchEditions(ctx context.Context, op, field, query string, limit int) ([]CanonicalRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	vars := url.Values{"q": {query}, "limit": {strconv.Itoa(limit)}}
	return h.cachedQuery(ctx, op, vars, func(ctx context.Context) ([]CanonicalRecord, error) {
		var q struct {
			Editions []hcEdition `graphql:"editions(where: {book: {title: {_ilike: $q}}}, limit: $limit)"`
		}
		gqlVars := map[string]any{
			"q":     graphql.String("%" + query + "%"),
			"limit": graphql.Int(limit),
		}
		if field == "author" {
			var aq struct {
				Editions []hcEdition `graphql:"editions(where: {book: {contributions: {author: {name: {_ilike: $q}}}}}, limit: $limit)"`
			}
			if err := h.gql.Query(ctx, &aq, gqlVars); err != nil {
				return nil, err
			}
			q.Editions = aq.Editions
		} else {
			if err := h.gql.Query(ctx, &q, gqlVars); err != nil {
				return nil, err
			}
		}
		recs := make([]CanonicalRecord, 0, len(q.Editions))
		for _, e := range q.Editions {
			rec := h.record(e)
			if rec.Title == "" {
				continue
			}
			recs = append(recs, rec)
		}
		return recs, nil
	})
}

func (h *Hardcover) SearchByTitle(ctx context.Context, query string, limit int) ([]CanonicalRecord, error) {
	if query == "" {
		return nil, errBadRequest
	}
	return h.searchEditions(ctx, "searchTitle", "title", query, limit)
}

func (h *Hardcover) SearchByAuthor(ctx context.Context, author string, limit int) ([]CanonicalRecord, error) {
	if author == "" {
		return nil, errBadRequest
	}
	return h.searchEditions(ctx, "searchAuthor", "author", author, limit)
}

// SearchSeries is this source's specialty: a declared series row with its
// member volumes. Series payloads are cached far longer than searches.
func (h *Hardcover) SearchSeries(ctx context.Context, name string) (*Series, []CanonicalRecord, error) {
	if name == "" {
		return nil, nil, errBadRequest
	}

	type seriesPayload struct {
		Series  Series
		Volumes []CanonicalRecord
	}
	key := Fingerprint(h.Name(), "graphql:series", url.Values{"name": {CanonicalSeriesName(name)}})
	if body, ok := h.cache.Get(ctx, key); ok {
		var p seriesPayload
		if err := json.Unmarshal(body, &p); err == nil {
			return &p.Series, p.Volumes, nil
		}
	}

	var q struct {
		Series []struct {
			Name       string `graphql:"name"`
			BooksCount int    `graphql:"books_count"`
			BookSeries []struct {
				Position float64 `graphql:"position"`
				Book     struct {
					Title    string `graphql:"title"`
					Editions []struct {
						ISBN13 string `graphql:"isbn_13"`
					} `graphql:"editions(limit: 1)"`
					Contributions []struct {
						Author struct {
							Name string `graphql:"name"`
						} `graphql:"author"`
					} `graphql:"contributions"`
				} `graphql:"book"`
			} `graphql:"book_series(order_by: {position: asc})"`
		} `graphql:"series(where: {name: {_ilike: $name}}, limit: 1)"`
	}
	if h.metrics != nil {
		h.metrics.requestInc(h.Name())
	}
	vars := map[string]any{"name": graphql.String(name)}
	if err := h.gql.Query(ctx, &q, vars); err != nil {
		return nil, nil, classify(h.Name(), err)
	}
	if len(q.Series) == 0 {
		return nil, nil, &SourceError{Kind: KindNotFound, Source: h.Name(), Detail: "no series " + name}
	}

	s := q.Series[0]
	series := Series{Name: s.Name, TotalVolumes: s.BooksCount, Source: h.Name()}
	var vols []CanonicalRecord
	for _, bs := range s.BookSeries {
		rec := CanonicalRecord{
			Title:          bs.Book.Title,
			SeriesName:     s.Name,
			SeriesPosition: int(bs.Position),
			SeriesTotal:    s.BooksCount,
			Source:         h.Name(),
		}
		if len(bs.Book.Editions) > 0 {
			rec.ISBN13 = bs.Book.Editions[0].ISBN13
		}
		for _, c := range bs.Book.Contributions {
			if c.Author.Name != "" {
				rec.Authors = append(rec.Authors, c.Author.Name)
			}
		}
		FinishRecord(&rec)
		if rec.Title == "" {
			continue
		}
		vols = append(vols, rec)
	}

	if body, err := json.Marshal(seriesPayload{Series: series, Volumes: vols}); err == nil {
		// Declared series shapes barely change; hold them for a week.
		h.cache.Set(ctx, key, body, 7*24*time.Hour)
	}
	return &series, vols, nil
}
