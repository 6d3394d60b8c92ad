package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// GoogleBooks talks to a Google-Books-shaped volumes API. Highest-precedence
// source: rich typed payloads including sale info we capture as price
// snapshots.
type GoogleBooks struct {
	base string
	f    *fetcher
}

func NewGoogleBooks(cfg SourceConfig, cache *Shard, metrics *sourceMetrics) *GoogleBooks {
	client := &http.Client{Timeout: cfg.timeout()}
	if cfg.APIKey != "" {
		// Pin keyed requests to the configured host so a redirect can't
		// carry the API key elsewhere.
		var transport http.RoundTripper = http.DefaultTransport
		if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
			transport = ScopedTransport{Host: u.Host, RoundTripper: transport}
		}
		client.Transport = &HeaderTransport{
			Key:          "X-Goog-Api-Key",
			Value:        cfg.APIKey,
			RoundTripper: transport,
		}
	}
	limiter := NewLimiter("googlebooks", cfg.PerSecond, cfg.PerMinute)
	return &GoogleBooks{
		base: cfg.BaseURL,
		f:    newFetcher("googlebooks", client, limiter, cache, metrics),
	}
}

func (g *GoogleBooks) Name() string { return "googlebooks" }

type gbVolumes struct {
	TotalItems int        `json:"totalItems"`
	Items      []gbVolume `json:"items"`
}

type gbVolume struct {
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail      string `json:"thumbnail"`
			SmallThumbnail string `json:"smallThumbnail"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
	SaleInfo struct {
		ListPrice struct {
			Amount       float64 `json:"amount"`
			CurrencyCode string  `json:"currencyCode"`
		} `json:"listPrice"`
	} `json:"saleInfo"`
}

func (g *GoogleBooks) record(v gbVolume) CanonicalRecord {
	info := v.VolumeInfo
	rec := CanonicalRecord{
		Title:         info.Title,
		Authors:       info.Authors,
		Publisher:     info.Publisher,
		PublishedDate: ParseDate(info.PublishedDate),
		Description:   info.Description,
		PageCount:     info.PageCount,
		Categories:    info.Categories,
		Language:      info.Language,
		Source:        g.Name(),
	}
	if info.Subtitle != "" {
		rec.Title = info.Title + ": " + info.Subtitle
	}
	for _, id := range info.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_10":
			rec.ISBN10 = id.Identifier
		case "ISBN_13":
			rec.ISBN13 = id.Identifier
		}
	}
	rec.CoverURL = info.ImageLinks.Thumbnail
	if rec.CoverURL == "" {
		rec.CoverURL = info.ImageLinks.SmallThumbnail
	}
	if lp := v.SaleInfo.ListPrice; lp.Amount > 0 {
		rec.Prices = append(rec.Prices, PriceSnapshot{
			Source:   g.Name(),
			Currency: lp.CurrencyCode,
			Amount:   lp.Amount,
			At:       time.Now().UTC(),
		})
	}
	FinishRecord(&rec)
	return rec
}

func (g *GoogleBooks) query(ctx context.Context, q string, limit int) ([]CanonicalRecord, error) {
	params := url.Values{"q": {q}}
	if limit > 0 {
		params.Set("maxResults", strconv.Itoa(limit))
	}
	body, err := g.f.getJSON(ctx, g.base+"/volumes", params, 0)
	if err != nil {
		return nil, err
	}
	var vols gbVolumes
	if err := json.Unmarshal(body, &vols); err != nil {
		return nil, &SourceError{Kind: KindPermanent, Source: g.Name(), Detail: "malformed volumes payload", Err: err}
	}
	recs := make([]CanonicalRecord, 0, len(vols.Items))
	for _, v := range vols.Items {
		rec := g.record(v)
		if rec.Title == "" {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (g *GoogleBooks) FetchByISBN(ctx context.Context, isbn string) (*CanonicalRecord, error) {
	canonical, err := validISBNQuery(g.Name(), isbn)
	if err != nil {
		return nil, err
	}
	recs, err := g.query(ctx, "isbn:"+canonical, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &SourceError{Kind: KindNotFound, Source: g.Name(), Detail: "no volume for " + canonical}
	}
	rec := recs[0]
	if rec.ISBN13 == "" {
		rec.ISBN13 = canonical
	}
	return &rec, nil
}

func (g *GoogleBooks) SearchByTitle(ctx context.Context, query string, limit int) ([]CanonicalRecord, error) {
	if query == "" {
		return nil, errBadRequest
	}
	return g.query(ctx, fmt.Sprintf("intitle:%q", query), limit)
}

func (g *GoogleBooks) SearchByAuthor(ctx context.Context, author string, limit int) ([]CanonicalRecord, error) {
	if author == "" {
		return nil, errBadRequest
	}
	return g.query(ctx, fmt.Sprintf("inauthor:%q", author), limit)
}

// SearchSeries has no native endpoint here, so it searches the series name as
// a title and reconstructs positions from the matches.
func (g *GoogleBooks) SearchSeries(ctx context.Context, name string) (*Series, []CanonicalRecord, error) {
	if name == "" {
		return nil, nil, errBadRequest
	}
	recs, err := g.query(ctx, fmt.Sprintf("intitle:%q", name), 40)
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
		return nil, nil, &SourceError{Kind: KindNotFound, Source: g.Name(), Detail: "no volumes for series " + name}
	}
	return &Series{Name: name, TotalVolumes: maxPos, Source: g.Name()}, vols, nil
}
