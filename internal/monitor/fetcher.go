package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/metrics"
)

// FetcherConfig controls retry behavior for HTTPFetcher.
type FetcherConfig struct {
	Attempts   int           // attempt budget per index, default 3
	RetryDelay time.Duration // linear backoff base, default 1s
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// HTTPFetcher implements Fetcher over a PageGetter and an Extractor.
//
// A 404 is authoritative and never retried. Transport errors and other
// non-200 statuses are retried up to the attempt budget with linearly
// increasing backoff; exhaustion degrades to Absent so a long-running
// monitoring loop survives flaky upstream availability. The poller layer
// never sees an error from this type.
type HTTPFetcher struct {
	getter    PageGetter
	extractor Extractor
	clock     Clock
	cfg       FetcherConfig
	logger    *zap.Logger
}

// NewHTTPFetcher constructs an HTTPFetcher.
func NewHTTPFetcher(getter PageGetter, extractor Extractor, clock Clock, cfg FetcherConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		getter:    getter,
		extractor: extractor,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Fetch probes one index of a source.
func (f *HTTPFetcher) Fetch(ctx context.Context, src Source, index int) (Item, bool) {
	url := fmt.Sprintf(src.URLTemplate, index)

	for attempt := 1; attempt <= f.cfg.Attempts; attempt++ {
		start := time.Now()
		page, err := f.getter.Get(ctx, url)
		metrics.ObserveFetchDuration(src.Name, time.Since(start))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Item{}, false
			}
			f.logger.Warn("fetch failed",
				zap.String("source", src.Name),
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			metrics.ObserveFetch(src.Name, "error")
		case page.StatusCode == http.StatusNotFound:
			metrics.ObserveFetch(src.Name, "absent")
			return Item{}, false
		case page.StatusCode != http.StatusOK:
			f.logger.Warn("unexpected status",
				zap.String("source", src.Name),
				zap.String("url", url),
				zap.Int("status", page.StatusCode),
				zap.Int("attempt", attempt),
			)
			metrics.ObserveFetch(src.Name, "error")
		default:
			fields, ok := f.extractor.Extract(page.Body)
			if !ok {
				metrics.ObserveFetch(src.Name, "no_fields")
				return Item{}, false
			}
			metrics.ObserveFetch(src.Name, "hit")
			return Item{
				SourceName:   src.Name,
				Index:        index,
				Fields:       fields,
				SourceURL:    url,
				DiscoveredAt: f.now(),
			}, true
		}

		if attempt < f.cfg.Attempts {
			if !sleepCtx(ctx, f.cfg.RetryDelay*time.Duration(attempt)) {
				return Item{}, false
			}
		}
	}

	// Exhausted retries look identical to genuine absence from the poller's
	// point of view; the counter is the only record that this index kept
	// failing rather than not existing.
	metrics.ObserveRetriesExhausted(src.Name)
	f.logger.Warn("retries exhausted", zap.String("source", src.Name), zap.String("url", url))
	return Item{}, false
}

func (f *HTTPFetcher) now() time.Time {
	if f.clock == nil {
		return time.Now().UTC()
	}
	return f.clock.Now()
}

// sleepCtx pauses for d, returning false if the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
