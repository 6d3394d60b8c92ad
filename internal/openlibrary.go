package internal

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// OpenLibrary talks to an OpenLibrary-shaped API. Payloads here are loosely
// typed and vary by record age, so extraction goes through jsonpath instead
// of struct decoding.
type OpenLibrary struct {
	base string
	f    *fetcher
}

func NewOpenLibrary(cfg SourceConfig, cache *Shard, metrics *sourceMetrics) *OpenLibrary {
	client := &http.Client{Timeout: cfg.timeout()}
	limiter := NewLimiter("openlibrary", cfg.PerSecond, cfg.PerMinute)
	return &OpenLibrary{
		base: cfg.BaseURL,
		f:    newFetcher("openlibrary", client, limiter, cache, metrics),
	}
}

func (o *OpenLibrary) Name() string { return "openlibrary" }

func mustPath(s string) jp.Expr {
	x, err := jp.ParseString(s)
	if err != nil {
		panic(err)
	}
	return x
}

var (
	_olTitle      = mustPath("title")
	_olAuthors    = mustPath("authors[*].name")
	_olPublishers = mustPath("publishers[*].name")
	_olDate       = mustPath("publish_date")
	_olPages      = mustPath("number_of_pages")
	_olCover      = mustPath("cover.large")
	_olCoverMed   = mustPath("cover.medium")
	_olISBN10     = mustPath("identifiers.isbn_10[0]")
	_olISBN13     = mustPath("identifiers.isbn_13[0]")
	_olSubjects   = mustPath("subjects[*].name")

	_olDocs       = mustPath("docs[*]")
	_olDocTitle   = mustPath("title")
	_olDocAuthors = mustPath("author_name[*]")
	_olDocYear    = mustPath("first_publish_year")
	_olDocISBNs   = mustPath("isbn[*]")
	_olDocPub     = mustPath("publisher[0]")
	_olDocLang    = mustPath("language[0]")
	_olDocCover   = mustPath("cover_i")
)

func pathString(expr jp.Expr, data any) string {
	if v, ok := expr.First(data).(string); ok {
		return v
	}
	return ""
}

func pathStrings(expr jp.Expr, data any) []string {
	var out []string
	for _, v := range expr.Get(data) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func pathInt(expr jp.Expr, data any) int {
	switch v := expr.First(data).(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (o *OpenLibrary) FetchByISBN(ctx context.Context, isbn string) (*CanonicalRecord, error) {
	canonical, err := validISBNQuery(o.Name(), isbn)
	if err != nil {
		return nil, err
	}
	bibkey := "ISBN:" + canonical
	params := url.Values{
		"bibkeys": {bibkey},
		"format":  {"json"},
		"jscmd":   {"data"},
	}
	body, err := o.f.getJSON(ctx, o.base+"/api/books", params, 0)
	if err != nil {
		return nil, err
	}
	parsed, err := oj.Parse(body)
	if err != nil {
		return nil, &SourceError{Kind: KindPermanent, Source: o.Name(), Detail: "malformed books payload", Err: err}
	}
	root, _ := parsed.(map[string]any)
	data, ok := root[bibkey]
	if !ok {
		return nil, &SourceError{Kind: KindNotFound, Source: o.Name(), Detail: "no record for " + canonical}
	}

	rec := CanonicalRecord{
		Title:         pathString(_olTitle, data),
		Authors:       pathStrings(_olAuthors, data),
		Publisher:     pathString(_olPublishers, data),
		PublishedDate: ParseDate(pathString(_olDate, data)),
		PageCount:     pathInt(_olPages, data),
		Categories:    pathStrings(_olSubjects, data),
		ISBN10:        pathString(_olISBN10, data),
		ISBN13:        pathString(_olISBN13, data),
		CoverURL:      pathString(_olCover, data),
		Source:        o.Name(),
	}
	if rec.CoverURL == "" {
		rec.CoverURL = pathString(_olCoverMed, data)
	}
	if rec.ISBN13 == "" {
		rec.ISBN13 = canonical
	}
	FinishRecord(&rec)
	if rec.Title == "" {
		return nil, &SourceError{Kind: KindNotFound, Source: o.Name(), Detail: "empty record for " + canonical}
	}
	return &rec, nil
}

func (o *OpenLibrary) search(ctx context.Context, params url.Values, limit int) ([]CanonicalRecord, error) {
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := o.f.getJSON(ctx, o.base+"/search.json", params, 0)
	if err != nil {
		return nil, err
	}
	parsed, err := oj.Parse(body)
	if err != nil {
		return nil, &SourceError{Kind: KindPermanent, Source: o.Name(), Detail: "malformed search payload", Err: err}
	}

	var recs []CanonicalRecord
	for _, doc := range _olDocs.Get(parsed) {
		rec := CanonicalRecord{
			Title:     pathString(_olDocTitle, doc),
			Authors:   pathStrings(_olDocAuthors, doc),
			Publisher: pathString(_olDocPub, doc),
			Language:  pathString(_olDocLang, doc),
			Source:    o.Name(),
		}
		if year := pathInt(_olDocYear, doc); year > 0 {
			rec.PublishedDate = ParseDate(strconv.Itoa(year))
		}
		for _, raw := range pathStrings(_olDocISBNs, doc) {
			if c := CanonicalISBN13(raw); c != "" {
				rec.ISBN13 = c
				break
			}
		}
		if id := pathInt(_olDocCover, doc); id > 0 {
			rec.CoverURL = "https://covers.openlibrary.org/b/id/" + strconv.Itoa(id) + "-L.jpg"
		}
		FinishRecord(&rec)
		if rec.Title == "" {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (o *OpenLibrary) SearchByTitle(ctx context.Context, query string, limit int) ([]CanonicalRecord, error) {
	if query == "" {
		return nil, errBadRequest
	}
	return o.search(ctx, url.Values{"title": {query}}, limit)
}

func (o *OpenLibrary) SearchByAuthor(ctx context.Context, author string, limit int) ([]CanonicalRecord, error) {
	if author == "" {
		return nil, errBadRequest
	}
	return o.search(ctx, url.Values{"author": {author}}, limit)
}

func (o *OpenLibrary) SearchSeries(ctx context.Context, name string) (*Series, []CanonicalRecord, error) {
	if name == "" {
		return nil, nil, errBadRequest
	}
	recs, err := o.search(ctx, url.Values{"q": {name}}, 40)
	if err != nil {
		return nil, nil, err
	}
	canonical := CanonicalSeriesName(name)
	var vols []CanonicalRecord
	maxPos := 0
	for _, rec := range recs {
		if CanonicalSeriesName(rec.SeriesName) != canonical {
			continue
		}
		vols = append(vols, rec)
		if rec.SeriesPosition > maxPos {
			maxPos = rec.SeriesPosition
		}
	}
	if len(vols) == 0 {
		return nil, nil, &SourceError{Kind: KindNotFound, Source: o.Name(), Detail: "no volumes for series " + name}
	}
	return &Series{Name: name, TotalVolumes: maxPos, Source: o.Name()}, vols, nil
}
