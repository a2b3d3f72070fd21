package monitor

import (
	"errors"
	"strings"
	"time"
)

// Mode selects the fetch strategy for a poller run.
type Mode string

// Poller run modes.
const (
	ModeContinuous Mode = "continuous"
	ModeRange      Mode = "range"
)

// RunState describes whether a source currently has an active run.
type RunState string

// Run states reported by Manager.Status.
const (
	StateRunning RunState = "running"
	StateStopped RunState = "stopped"
	StateUnknown RunState = "unknown"
)

// Errors surfaced at the Manager boundary.
var (
	ErrUnknownSource = errors.New("unknown source")
	ErrUnknownMode   = errors.New("unknown mode")
)

// Source identifies one monitored resource family. URLTemplate contains
// exactly one %d verb that receives the probed index.
type Source struct {
	Name        string `json:"name"`
	URLTemplate string `json:"url_template"`
	StartIndex  int    `json:"start_index"`
}

// Fields holds the domain attributes extracted from a fetched document.
// Quantity is nil when the document carried no parsable quantity value.
type Fields struct {
	Owner    string `json:"owner,omitempty"`
	Model    string `json:"model,omitempty"`
	Backdrop string `json:"backdrop,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Quantity *int   `json:"quantity,omitempty"`
}

// Item is one discovered unit, stamped by the Fetcher before emission.
type Item struct {
	SourceName   string    `json:"source"`
	Index        int       `json:"index"`
	Fields       Fields    `json:"fields"`
	SourceURL    string    `json:"url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Quantity returns the item's quantity and whether it was present.
func (i Item) Quantity() (int, bool) {
	if i.Fields.Quantity == nil {
		return 0, false
	}
	return *i.Fields.Quantity, true
}

// RangeParams bounds a range-mode run to the closed interval [Start, End].
type RangeParams struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Status is a point-in-time snapshot for one source. Concurrent readers
// observe recent values; they never block a running poller.
type Status struct {
	State        RunState `json:"status"`
	Mode         Mode     `json:"mode,omitempty"`
	Cursor       int      `json:"cursor,omitempty"`
	LastQuantity int      `json:"last_quantity,omitempty"`
	LastItem     *Item    `json:"last_item,omitempty"`
}

// SourceRecord is the persisted registration row for a source.
type SourceRecord struct {
	Name         string    `json:"name"`
	URLTemplate  string    `json:"url_template"`
	StartIndex   int       `json:"start_index"`
	Cursor       int       `json:"cursor"`
	LastQuantity int       `json:"last_quantity"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// SourceStats summarizes discovered items for one source.
type SourceStats struct {
	Total        int `json:"total"`
	LastIndex    int `json:"last_index"`
	UniqueModels int `json:"unique_models"`
}

// ValidateTemplate checks that a URL template carries exactly one %d verb
// and no other substitutions. %% escapes are permitted.
func ValidateTemplate(template string) error {
	stripped := strings.ReplaceAll(template, "%%", "")
	if strings.Count(stripped, "%d") != 1 {
		return errors.New("url template must contain exactly one %d placeholder")
	}
	if strings.Count(stripped, "%") != 1 {
		return errors.New("url template must not contain substitutions other than %d")
	}
	return nil
}
