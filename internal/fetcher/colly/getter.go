// Package collygetter implements monitor.PageGetter using gocolly.
package collygetter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Getter performs single HTTP GETs through a Colly collector. Non-2xx
// responses come back as pages with their upstream status code so the
// fetcher can tell authoritative 404s from transient failures; only
// transport-level faults surface as errors.
type Getter struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Getter.
func New(cfg Config) *Getter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Getter{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET.
func (g *Getter) Get(ctx context.Context, url string) (monitor.Page, error) {
	var (
		result   monitor.Page
		gotPage  bool
		fetchErr error
	)

	collector := g.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(g.transport)
	if g.cfg.UserAgent != "" {
		collector.UserAgent = g.cfg.UserAgent
	}
	collector.SetRequestTimeout(g.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = monitor.Page{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
		gotPage = true
	})

	// Colly reports non-2xx statuses through OnError with the response
	// attached; recover the status so callers see an HTTP outcome rather
	// than a transport failure.
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result = monitor.Page{
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
			}
			gotPage = true
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return monitor.Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if gotPage {
			return result, nil
		}
		if fetchErr != nil {
			return monitor.Page{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if err != nil {
			return monitor.Page{}, fmt.Errorf("fetch %s: %w", url, err)
		}
		return monitor.Page{}, fmt.Errorf("fetch %s: no response", url)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
