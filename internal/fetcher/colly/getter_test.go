package collygetter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsPageBody(t *testing.T) {
	t.Parallel()

	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html>gift</html>"))
	}))
	defer srv.Close()

	g := New(Config{UserAgent: "giftwatch-test", Timeout: 5 * time.Second})
	page, err := g.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "<html>gift</html>", string(page.Body))
	require.Equal(t, "giftwatch-test", gotAgent)
}

func TestGetRecoversNotFoundStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	g := New(Config{Timeout: 5 * time.Second})
	page, err := g.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, page.StatusCode)
}

func TestGetRecoversServerErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(Config{Timeout: 5 * time.Second})
	page, err := g.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, page.StatusCode)
}

func TestGetReportsTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	g := New(Config{Timeout: time.Second})
	_, err := g.Get(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestGetHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	g := New(Config{Timeout: time.Minute})
	start := time.Now()
	_, err := g.Get(ctx, srv.URL)
	require.Error(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
}
