package internal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	_shortWindow = time.Second
	_longWindow  = time.Minute
)

// Limiter throttles one external source across two concurrent windows: a
// per-second cap and a per-minute cap. An acquisition is recorded in both
// windows atomically; when either window is saturated the caller sleeps until
// the oldest recorded call ages out, then re-checks.
//
// Waits are capped at the long window. On cap exceeded the acquisition fails
// as transient so callers can surface it like any other source hiccup.
type Limiter struct {
	source string

	mu    sync.Mutex
	short limitWindow
	long  limitWindow
}

type limitWindow struct {
	span  time.Duration
	cap   int
	calls []time.Time
}

// prune drops calls that have aged out of the window.
func (w *limitWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	w.calls = w.calls[i:]
}

// retryAt returns when the oldest call leaves the window. Only meaningful
// when the window is saturated.
func (w *limitWindow) retryAt() time.Time {
	return w.calls[0].Add(w.span)
}

// NewLimiter creates a limiter for one source. Caps of zero fall back to the
// defaults (5/s, 60/min).
func NewLimiter(source string, perSecond, perMinute int) *Limiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Limiter{
		source: source,
		short:  limitWindow{span: _shortWindow, cap: perSecond},
		long:   limitWindow{span: _longWindow, cap: perMinute},
	}
}

// Acquire blocks until both windows have room, then commits the call to both.
// Acquire-then-commit is atomic: concurrent callers can never observe a
// window over its cap.
func (l *Limiter) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.long.span)
	for {
		l.mu.Lock()
		now := time.Now()
		l.short.prune(now)
		l.long.prune(now)

		if len(l.short.calls) < l.short.cap && len(l.long.calls) < l.long.cap {
			l.short.calls = append(l.short.calls, now)
			l.long.calls = append(l.long.calls, now)
			l.mu.Unlock()
			return nil
		}

		retry := now.Add(l.short.span)
		if len(l.short.calls) >= l.short.cap {
			retry = l.short.retryAt()
		}
		if len(l.long.calls) >= l.long.cap && l.long.retryAt().Before(retry) {
			// Whichever window frees up first is worth re-checking.
			retry = l.long.retryAt()
		}
		l.mu.Unlock()

		if retry.After(deadline) {
			return &SourceError{
				Kind:   KindTransient,
				Source: l.source,
				Detail: fmt.Sprintf("rate limit wait exceeded %s", l.long.span),
			}
		}

		timer := time.NewTimer(time.Until(retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff records an upstream 429 by saturating the short window for
// retryAfter, so the next Acquire waits at least that long.
func (l *Limiter) Backoff(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	hold := time.Now().Add(retryAfter - l.short.span)
	for len(l.short.calls) < l.short.cap {
		l.short.calls = append(l.short.calls, hold)
	}
}

// throttledTransport rate limits requests with a plain token bucket. Used for
// upstreams that only need politeness (page fetches), not windowed caps.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport restricts requests to a particular host so redirects can't
// send credentials elsewhere.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests, typically an API key.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so clients can classify failures without sniffing bodies.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		retryAfter := resp.Header.Get("Retry-After")
		_ = resp.Body.Close()
		if retryAfter != "" {
			return nil, retryAfterErr{status: statusErr(resp.StatusCode), after: retryAfter}
		}
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}

// retryAfterErr carries an upstream Retry-After hint alongside the status.
type retryAfterErr struct {
	status statusErr
	after  string
}

func (e retryAfterErr) Error() string { return e.status.Error() }
func (e retryAfterErr) Unwrap() error { return e.status }

// retryAfter parses the hint as seconds; HTTP-date forms are rare enough
// upstream that they fall back to zero.
func (e retryAfterErr) retryAfter() time.Duration {
	var secs int
	if _, err := fmt.Sscanf(e.after, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
