package internal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// PageFetcher scrapes publisher product pages for cover art and descriptions
// when no API source had them. Page fetches are best-effort: a failure never
// fails the enrichment that triggered it.
type PageFetcher struct {
	client *http.Client
	cache  *Shard
}

// NewPageFetcher throttles page fetches to one per second. These are
// somebody else's web servers, not an API with a published quota.
func NewPageFetcher(cache *Shard) *PageFetcher {
	return &PageFetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: throttledTransport{
				RoundTripper: errorProxyTransport{http.DefaultTransport},
				Limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
			},
		},
		cache: cache,
	}
}

// PageMeta is what a product page can contribute to a record.
type PageMeta struct {
	CoverURL    string `json:"coverUrl,omitempty"`
	Description string `json:"description,omitempty"`
}

// Fetch pulls OpenGraph metadata from a page, through the page shard.
func (p *PageFetcher) Fetch(ctx context.Context, pageURL string) (*PageMeta, error) {
	key := Fingerprint("pages", pageURL, nil)
	body, ok := p.cache.Get(ctx, key)
	if !ok {
		var err error
		body, err = p.fetch(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		p.cache.Set(ctx, key, body, 0)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing page %s: %w", pageURL, err)
	}
	meta := &PageMeta{
		CoverURL:    ForceHTTPS(ogContent(doc, "og:image")),
		Description: CleanText(ogContent(doc, "og:description")),
	}
	if meta.CoverURL == "" && meta.Description == "" {
		return nil, errNotFound
	}
	return meta, nil
}

func (p *PageFetcher) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, 2<<20))
}

func ogContent(doc *html.Node, property string) string {
	node := htmlquery.FindOne(doc, fmt.Sprintf(`//meta[@property=%q]`, property))
	if node == nil {
		return ""
	}
	return htmlquery.SelectAttr(node, "content")
}
