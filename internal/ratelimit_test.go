package internal

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsUpToCap(t *testing.T) {
	l := NewLimiter("test", 3, 60)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterBlocksAtShortCap(t *testing.T) {
	l := NewLimiter("test", 2, 60)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		require.NoError(t, l.Acquire(ctx))
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestLimiterHonorsCancellation(t *testing.T) {
	l := NewLimiter("test", 1, 60)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterBackoff(t *testing.T) {
	l := NewLimiter("test", 1, 60)
	l.Backoff(300 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestLimiterNeverExceedsWindowUnderConcurrency(t *testing.T) {
	const cap = 5
	l := NewLimiter("test", cap, 100)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(ctx))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	// Any acquisition and the one cap places later must be over a second
	// apart, otherwise a sliding window held cap+1 calls.
	for i := 0; i+cap < len(stamps); i++ {
		gap := stamps[i+cap].Sub(stamps[i])
		assert.GreaterOrEqual(t, gap, 900*time.Millisecond, "window held more than %d calls", cap)
	}
}

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestScopedTransportPinsHost(t *testing.T) {
	var got *url.URL
	rt := ScopedTransport{Host: "api.example.com", RoundTripper: rtFunc(func(r *http.Request) (*http.Response, error) {
		got = r.URL
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})}

	req, err := http.NewRequest(http.MethodGet, "http://evil.example.net/volumes?q=x", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "https", got.Scheme)
	assert.Equal(t, "api.example.com", got.Host)
	assert.Equal(t, "/volumes", got.Path)
}

func TestRetryAfterErr(t *testing.T) {
	e := retryAfterErr{status: statusErr(429), after: "7"}
	assert.Equal(t, 7*time.Second, e.retryAfter())
	assert.ErrorIs(t, e, statusErr(429))

	e = retryAfterErr{status: statusErr(429), after: "Wed, 21 Oct 2015 07:28:00 GMT"}
	assert.Equal(t, time.Duration(0), e.retryAfter())
}
