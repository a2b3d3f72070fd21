package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/metrics"
)

// PollerConfig tunes probe pacing and range-mode concurrency.
type PollerConfig struct {
	MaxConcurrency      int           // semaphore width inside a range batch, default 10
	ProbeDelay          time.Duration // pause between continuous-mode probes, default 20ms
	IdleSleep           time.Duration // backoff after MaxConsecutiveEmpty probes, default 5s
	MaxConsecutiveEmpty int           // non-advancing probes before the idle sleep, default 50
	BatchPause          time.Duration // pause between range batches, default 100ms
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.ProbeDelay <= 0 {
		c.ProbeDelay = 20 * time.Millisecond
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 5 * time.Second
	}
	if c.MaxConsecutiveEmpty <= 0 {
		c.MaxConsecutiveEmpty = 50
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 100 * time.Millisecond
	}
	return c
}

// Poller owns one source's cursor state and drives the Fetcher in either
// continuous-discovery or bounded-range mode. Cursor and lastQuantity are
// mutated only by the poller's own run; Snapshot readers never block it.
type Poller struct {
	src     Source
	fetcher Fetcher
	cfg     PollerConfig
	logger  *zap.Logger

	cursor       atomic.Int64
	lastQuantity atomic.Int64

	mu       sync.Mutex
	mode     Mode
	lastItem *Item
}

// NewPoller constructs a Poller positioned at the source's start index.
func NewPoller(src Source, fetcher Fetcher, cfg PollerConfig, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if src.StartIndex < 1 {
		src.StartIndex = 1
	}
	p := &Poller{
		src:     src,
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("source", src.Name)),
	}
	p.cursor.Store(int64(src.StartIndex))
	return p
}

// Source returns the poller's source definition.
func (p *Poller) Source() Source {
	return p.src
}

// Snapshot reports the poller's current cursor state and most recent item.
func (p *Poller) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Mode:         p.mode,
		Cursor:       int(p.cursor.Load()),
		LastQuantity: int(p.lastQuantity.Load()),
	}
	if p.lastItem != nil {
		item := *p.lastItem
		st.LastItem = &item
	}
	return st
}

// RunContinuous scans for newly published items until the context ends.
//
// It first seeks forward from the cursor for an initial item whose quantity
// is positive, then repeatedly probes lastQuantity+1: sequence values are
// dense per quantity, so the next plausible slot can be probed directly
// instead of re-scanning known-absent indices. Emission order is strictly
// increasing in quantity by construction.
func (p *Poller) RunContinuous(ctx context.Context, sink Sink) {
	p.setMode(ModeContinuous)
	p.logger.Info("seeking initial item", zap.Int("cursor", int(p.cursor.Load())))

	if !p.seekInitial(ctx, sink) {
		// Stopped before anything was found. Normal termination.
		p.logger.Info("no initial item found before stop")
		return
	}

	consecutiveEmpty := 0
	for ctx.Err() == nil {
		next := int(p.lastQuantity.Load()) + 1
		item, ok := p.fetcher.Fetch(ctx, p.src, next)
		if qty, has := item.Quantity(); ok && has && qty > int(p.lastQuantity.Load()) {
			p.record(item)
			p.deliver(ctx, sink, item)
			metrics.ObserveItemDiscovered(p.src.Name, string(ModeContinuous))
			p.logger.Info("new item", zap.Int("index", item.Index), zap.Int("quantity", qty))
			consecutiveEmpty = 0
		} else {
			consecutiveEmpty++
		}

		if consecutiveEmpty >= p.cfg.MaxConsecutiveEmpty {
			p.logger.Debug("too many empty probes, backing off")
			if !sleepCtx(ctx, p.cfg.IdleSleep) {
				return
			}
			consecutiveEmpty = 0
		} else if !sleepCtx(ctx, p.cfg.ProbeDelay) {
			return
		}
	}
}

// seekInitial advances the cursor until a probe yields an item with a
// positive quantity. It returns false if stopped first.
func (p *Poller) seekInitial(ctx context.Context, sink Sink) bool {
	for ctx.Err() == nil {
		index := int(p.cursor.Load())
		item, ok := p.fetcher.Fetch(ctx, p.src, index)
		if qty, has := item.Quantity(); ok && has && qty > 0 {
			p.record(item)
			p.deliver(ctx, sink, item)
			metrics.ObserveItemDiscovered(p.src.Name, string(ModeContinuous))
			p.logger.Info("initial item found", zap.Int("index", index), zap.Int("quantity", qty))
			return true
		}
		p.cursor.Add(1)
		if !sleepCtx(ctx, p.cfg.ProbeDelay) {
			return false
		}
	}
	return false
}

// RunRange fetches the closed interval [params.Start, params.End] in
// ascending batches of 2×MaxConcurrency, fanning each batch out under a
// semaphore of width MaxConcurrency. Emission order is ascending by batch
// but unordered within one. Partial completion on stop is a valid terminal
// state; progress fires once per batch and once more after the loop.
func (p *Poller) RunRange(ctx context.Context, params RangeParams, sink Sink, progress ProgressFunc) {
	p.setMode(ModeRange)
	total := params.End - params.Start + 1
	if total <= 0 {
		p.reportProgress(progress, 0, 0)
		return
	}
	batchSize := 2 * p.cfg.MaxConcurrency
	parsed := 0
	p.logger.Info("range run started",
		zap.Int("start", params.Start),
		zap.Int("end", params.End),
		zap.Int("batch_size", batchSize),
	)

	for batchStart := params.Start; batchStart <= params.End; batchStart += batchSize {
		if ctx.Err() != nil {
			break
		}
		batchEnd := batchStart + batchSize - 1
		if batchEnd > params.End {
			batchEnd = params.End
		}

		for _, item := range p.fetchBatch(ctx, batchStart, batchEnd) {
			p.deliver(ctx, sink, item)
			metrics.ObserveItemDiscovered(p.src.Name, string(ModeRange))
			parsed++
		}
		p.reportProgress(progress, parsed, total)

		if batchEnd < params.End && !sleepCtx(ctx, p.cfg.BatchPause) {
			break
		}
	}

	p.reportProgress(progress, parsed, total)
	p.logger.Info("range run finished", zap.Int("parsed", parsed), zap.Int("total", total))
}

// fetchBatch fans out [from, to] under the concurrency semaphore and returns
// the present items in ascending index order. Absent results are dropped.
func (p *Poller) fetchBatch(ctx context.Context, from, to int) []Item {
	sem := make(chan struct{}, p.cfg.MaxConcurrency)
	results := make([]*Item, to-from+1)
	var wg sync.WaitGroup

	for index := from; index <= to; index++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if item, ok := p.fetcher.Fetch(ctx, p.src, idx); ok {
				results[idx-from] = &item
			}
		}(index)
	}
	wg.Wait()

	items := make([]Item, 0, len(results))
	for _, item := range results {
		if item != nil {
			items = append(items, *item)
		}
	}
	return items
}

// record advances the cursor and quantity high-water marks and retains the
// most recent item. Both marks only move forward: a tracking probe at
// lastQuantity+1 can land below the index the seek phase reached, and the
// cursor must not regress past a confirmed position.
func (p *Poller) record(item Item) {
	if idx := int64(item.Index); idx > p.cursor.Load() {
		p.cursor.Store(idx)
	}
	if qty, ok := item.Quantity(); ok && qty > int(p.lastQuantity.Load()) {
		p.lastQuantity.Store(int64(qty))
	}
	p.mu.Lock()
	retained := item
	p.lastItem = &retained
	p.mu.Unlock()
}

// deliver hands one item to the sink. Sink faults, including panics, are
// confined to the item and never reach the poll loop.
func (p *Poller) deliver(ctx context.Context, sink Sink, item Item) {
	if sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObserveSinkFailure(p.src.Name)
			p.logger.Error("sink panicked", zap.Int("index", item.Index), zap.Any("panic", rec))
		}
	}()
	if err := sink.Accept(ctx, item); err != nil {
		metrics.ObserveSinkFailure(p.src.Name)
		p.logger.Error("sink rejected item", zap.Int("index", item.Index), zap.Error(err))
	}
}

func (p *Poller) reportProgress(progress ProgressFunc, parsed, total int) {
	if progress == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Debug("progress callback panicked", zap.Any("panic", rec))
		}
	}()
	progress(parsed, total)
}

func (p *Poller) setMode(mode Mode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}
