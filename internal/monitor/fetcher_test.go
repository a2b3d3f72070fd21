package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedGetter struct {
	mu    sync.Mutex
	calls []time.Time
	urls  []string
	fn    func(call int) (Page, error)
}

func (g *scriptedGetter) Get(_ context.Context, url string) (Page, error) {
	g.mu.Lock()
	g.calls = append(g.calls, time.Now())
	g.urls = append(g.urls, url)
	call := len(g.calls)
	g.mu.Unlock()
	return g.fn(call)
}

func (g *scriptedGetter) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type staticExtractor struct {
	fields Fields
	ok     bool
}

func (e staticExtractor) Extract([]byte) (Fields, bool) {
	return e.fields, e.ok
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testSource() Source {
	return Source{Name: "plushpepe", URLTemplate: "https://t.me/nft/plushpepe-%d", StartIndex: 1}
}

func TestFetchSuccessStampsItem(t *testing.T) {
	t.Parallel()

	qty := 777
	now := time.Unix(1700000000, 0).UTC()
	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{StatusCode: http.StatusOK, Body: []byte("<table/>")}, nil
	}}
	f := NewHTTPFetcher(getter, staticExtractor{fields: Fields{Model: "Gold", Quantity: &qty}, ok: true}, fixedClock{t: now}, FetcherConfig{}, nil)

	item, ok := f.Fetch(context.Background(), testSource(), 42)
	require.True(t, ok)
	require.Equal(t, "plushpepe", item.SourceName)
	require.Equal(t, 42, item.Index)
	require.Equal(t, "https://t.me/nft/plushpepe-42", item.SourceURL)
	require.Equal(t, "Gold", item.Fields.Model)
	require.Equal(t, now, item.DiscoveredAt)
	require.Equal(t, 1, getter.callCount())
}

func TestFetch404IsAbsentWithoutRetry(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{StatusCode: http.StatusNotFound}, nil
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: true}, nil, FetcherConfig{RetryDelay: time.Millisecond}, nil)

	_, ok := f.Fetch(context.Background(), testSource(), 1)
	require.False(t, ok)
	require.Equal(t, 1, getter.callCount())
}

func TestFetchTransportErrorRetriesThenAbsent(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{}, errors.New("connection reset")
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: true}, nil, FetcherConfig{Attempts: 3, RetryDelay: time.Millisecond}, nil)

	_, ok := f.Fetch(context.Background(), testSource(), 1)
	require.False(t, ok)
	require.Equal(t, 3, getter.callCount())
}

func TestFetchServerErrorRetriesThenAbsent(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{StatusCode: http.StatusBadGateway}, nil
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: true}, nil, FetcherConfig{Attempts: 3, RetryDelay: time.Millisecond}, nil)

	_, ok := f.Fetch(context.Background(), testSource(), 1)
	require.False(t, ok)
	require.Equal(t, 3, getter.callCount())
}

func TestFetchBackoffGrowsLinearly(t *testing.T) {
	t.Parallel()

	base := 30 * time.Millisecond
	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{}, errors.New("timeout")
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: true}, nil, FetcherConfig{Attempts: 3, RetryDelay: base}, nil)

	_, ok := f.Fetch(context.Background(), testSource(), 1)
	require.False(t, ok)
	require.Equal(t, 3, getter.callCount())

	// Delay before attempt k is base*(k-1).
	require.GreaterOrEqual(t, getter.calls[1].Sub(getter.calls[0]), base)
	require.GreaterOrEqual(t, getter.calls[2].Sub(getter.calls[1]), 2*base)
}

func TestFetchRecoversMidRetry(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(call int) (Page, error) {
		if call < 3 {
			return Page{}, errors.New("flaky")
		}
		return Page{StatusCode: http.StatusOK, Body: []byte("<table/>")}, nil
	}}
	f := NewHTTPFetcher(getter, staticExtractor{fields: Fields{Owner: "alice"}, ok: true}, nil, FetcherConfig{Attempts: 3, RetryDelay: time.Millisecond}, nil)

	item, ok := f.Fetch(context.Background(), testSource(), 9)
	require.True(t, ok)
	require.Equal(t, "alice", item.Fields.Owner)
	require.Equal(t, 3, getter.callCount())
}

func TestFetchExtractorMissIsAbsent(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{StatusCode: http.StatusOK, Body: []byte("<html/>")}, nil
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: false}, nil, FetcherConfig{}, nil)

	_, ok := f.Fetch(context.Background(), testSource(), 1)
	require.False(t, ok)
	require.Equal(t, 1, getter.callCount())
}

func TestFetchStopsDuringBackoff(t *testing.T) {
	t.Parallel()

	getter := &scriptedGetter{fn: func(int) (Page, error) {
		return Page{}, errors.New("down")
	}}
	f := NewHTTPFetcher(getter, staticExtractor{ok: true}, nil, FetcherConfig{Attempts: 3, RetryDelay: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, ok := f.Fetch(ctx, testSource(), 1)
	require.False(t, ok)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, 1, getter.callCount())
}
