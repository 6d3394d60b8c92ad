package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Source is an external metadata provider. Implementations normalize their
// vendor payloads into CanonicalRecord and never leak raw shapes upstream.
// A missing book is ErrNotFound-kinded, not an empty record.
type Source interface {
	Name() string

	FetchByISBN(ctx context.Context, isbn string) (*CanonicalRecord, error)
	SearchByTitle(ctx context.Context, query string, limit int) ([]CanonicalRecord, error)
	SearchByAuthor(ctx context.Context, author string, limit int) ([]CanonicalRecord, error)
	SearchSeries(ctx context.Context, name string) (*Series, []CanonicalRecord, error)
}

// fetcher is the shared transport path under every client: response cache in
// front, windowed rate limit behind it, retries with exponential backoff
// honoring upstream Retry-After hints.
type fetcher struct {
	source  string
	client  *http.Client
	limiter *Limiter
	cache   *Shard
	retries int
	metrics *sourceMetrics
}

func newFetcher(source string, client *http.Client, limiter *Limiter, cache *Shard, metrics *sourceMetrics) *fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &fetcher{
		source:  source,
		client:  client,
		limiter: limiter,
		cache:   cache,
		retries: 3,
		metrics: metrics,
	}
}

// getJSON fetches a URL through the cache. ttl overrides the shard default
// when positive (series metadata is cached much longer than searches).
func (f *fetcher) getJSON(ctx context.Context, rawURL string, params url.Values, ttl time.Duration) ([]byte, error) {
	key := Fingerprint(f.source, rawURL, params)
	if body, ok := f.cache.Get(ctx, key); ok {
		return body, nil
	}

	body, err := f.do(ctx, rawURL, params)
	if err != nil {
		return nil, err
	}
	f.cache.Set(ctx, key, body, ttl)
	return body, nil
}

func (f *fetcher) do(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	u := rawURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < f.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		if f.metrics != nil {
			f.metrics.requestInc(f.source)
		}

		body, err := f.roundTrip(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var rerr retryAfterErr
		if errors.As(err, &rerr) {
			if after := rerr.retryAfter(); after > 0 {
				f.limiter.Backoff(after)
			}
		}
		srcErr := classify(f.source, err)
		if srcErr.Kind != KindTransient {
			return nil, srcErr
		}
		Log(ctx).Debug("retrying source fetch",
			"source", f.source, "attempt", attempt+1, "err", err)
	}
	return nil, classify(f.source, lastErr)
}

func (f *fetcher) roundTrip(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		after := resp.Header.Get("Retry-After")
		if after != "" {
			return nil, retryAfterErr{status: statusErr(resp.StatusCode), after: after}
		}
		return nil, statusErr(resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// validISBNQuery normalizes and validates an ISBN argument shared by every
// client's FetchByISBN.
func validISBNQuery(source, isbn string) (string, error) {
	canonical := CanonicalISBN13(isbn)
	if canonical == "" {
		return "", &SourceError{
			Kind:   KindPermanent,
			Source: source,
			Detail: "invalid isbn " + isbn,
			Err:    errBadRequest,
		}
	}
	return canonical, nil
}
