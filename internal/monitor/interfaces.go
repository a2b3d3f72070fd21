package monitor

import (
	"context"
	"time"
)

// Fetcher resolves one source+index probe to an Item or Absent. The boolean
// is false for every non-Item outcome: confirmed nonexistence, exhausted
// retries, and structural extractor misses all collapse into it.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, index int) (Item, bool)
}

// Page is the raw outcome of one HTTP GET.
type Page struct {
	StatusCode int
	Body       []byte
}

// PageGetter performs a single HTTP GET. Transport-level failures are
// returned as errors; HTTP-level failures come back as a Page with the
// upstream status code.
type PageGetter interface {
	Get(ctx context.Context, url string) (Page, error)
}

// Extractor turns a fetched document into a field map. The boolean is false
// when the expected structural marker is absent; extractor implementations
// never report errors.
type Extractor interface {
	Extract(body []byte) (Fields, bool)
}

// Sink consumes each discovered item exactly once per emission. Failures are
// the sink's own concern; the poll loop logs them and continues.
type Sink interface {
	Accept(ctx context.Context, item Item) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, item Item) error

// Accept calls the wrapped function.
func (f SinkFunc) Accept(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// ProgressFunc receives best-effort range-mode progress updates.
type ProgressFunc func(parsed, total int)

// ItemStore persists discovered items keyed by (source name, index).
type ItemStore interface {
	SaveItem(ctx context.Context, item Item) error
	LatestItems(ctx context.Context, sourceName string, limit int) ([]Item, error)
	SearchItems(ctx context.Context, sourceName, query, field string, exact bool) ([]Item, error)
	Stats(ctx context.Context, sourceName string) (SourceStats, error)
}

// SourceStore persists source registrations and their cursor state.
type SourceStore interface {
	AddSource(ctx context.Context, rec SourceRecord) error
	GetSource(ctx context.Context, name string) (SourceRecord, error)
	ListSources(ctx context.Context, activeOnly bool) ([]SourceRecord, error)
	UpdateSourceState(ctx context.Context, name string, cursor, lastQuantity int) error
	SetSourceActive(ctx context.Context, name string, active bool) error
}

// Publisher pushes discovery events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
