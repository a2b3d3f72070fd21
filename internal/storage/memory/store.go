// Package memory provides in-memory store implementations for
// development/testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// Store implements monitor.ItemStore and monitor.SourceStore in memory.
type Store struct {
	mu      sync.RWMutex
	items   map[string]map[int]monitor.Item // source name -> index -> item
	sources map[string]monitor.SourceRecord
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		items:   make(map[string]map[int]monitor.Item),
		sources: make(map[string]monitor.SourceRecord),
	}
}

// SaveItem upserts an item keyed by (source name, index).
func (s *Store) SaveItem(_ context.Context, item monitor.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource, ok := s.items[item.SourceName]
	if !ok {
		bySource = make(map[int]monitor.Item)
		s.items[item.SourceName] = bySource
	}
	bySource[item.Index] = item
	return nil
}

// LatestItems returns up to limit items ordered by descending index.
func (s *Store) LatestItems(_ context.Context, sourceName string, limit int) ([]monitor.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedDescending(sourceName)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchItems filters items by field/query, descending by index.
func (s *Store) SearchItems(_ context.Context, sourceName, query, field string, exact bool) ([]monitor.Item, error) {
	switch field {
	case "", "all", "index", "owner", "model", "backdrop", "symbol":
	default:
		return nil, fmt.Errorf("unknown search field %q", field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Item
	for _, item := range s.sortedDescending(sourceName) {
		if matches(item, query, field, exact) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Stats summarizes stored items for one source.
func (s *Store) Stats(_ context.Context, sourceName string) (monitor.SourceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := monitor.SourceStats{}
	models := make(map[string]struct{})
	for index, item := range s.items[sourceName] {
		stats.Total++
		if index > stats.LastIndex {
			stats.LastIndex = index
		}
		if item.Fields.Model != "" {
			models[item.Fields.Model] = struct{}{}
		}
	}
	stats.UniqueModels = len(models)
	return stats, nil
}

// AddSource registers a source row; duplicate names are rejected.
func (s *Store) AddSource(_ context.Context, rec monitor.SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[rec.Name]; exists {
		return errors.New("source already exists")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Cursor == 0 {
		rec.Cursor = rec.StartIndex
	}
	s.sources[rec.Name] = rec
	return nil
}

// GetSource fetches one source row by name.
func (s *Store) GetSource(_ context.Context, name string) (monitor.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sources[name]
	if !ok {
		return monitor.SourceRecord{}, errors.New("source not found")
	}
	return rec, nil
}

// ListSources returns registered sources sorted by name.
func (s *Store) ListSources(_ context.Context, activeOnly bool) ([]monitor.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.SourceRecord, 0, len(s.sources))
	for _, rec := range s.sources {
		if activeOnly && !rec.Active {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateSourceState persists the cursor and quantity high-water mark.
func (s *Store) UpdateSourceState(_ context.Context, name string, cursor, lastQuantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sources[name]
	if !ok {
		return errors.New("source not found")
	}
	rec.Cursor = cursor
	rec.LastQuantity = lastQuantity
	s.sources[name] = rec
	return nil
}

// SetSourceActive toggles a source's active flag.
func (s *Store) SetSourceActive(_ context.Context, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sources[name]
	if !ok {
		return errors.New("source not found")
	}
	rec.Active = active
	s.sources[name] = rec
	return nil
}

func (s *Store) sortedDescending(sourceName string) []monitor.Item {
	bySource := s.items[sourceName]
	out := make([]monitor.Item, 0, len(bySource))
	for _, item := range bySource {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index > out[j].Index })
	return out
}

func matches(item monitor.Item, query, field string, exact bool) bool {
	switch field {
	case "", "all":
		if n, err := strconv.Atoi(query); err == nil && item.Index == n {
			return true
		}
		for _, v := range []string{item.Fields.Owner, item.Fields.Model, item.Fields.Backdrop, item.Fields.Symbol} {
			if matchValue(v, query, exact) {
				return true
			}
		}
		return false
	case "index":
		n, err := strconv.Atoi(query)
		return err == nil && item.Index == n
	case "owner":
		return matchValue(item.Fields.Owner, query, exact)
	case "model":
		return matchValue(item.Fields.Model, query, exact)
	case "backdrop":
		return matchValue(item.Fields.Backdrop, query, exact)
	case "symbol":
		return matchValue(item.Fields.Symbol, query, exact)
	default:
		return false
	}
}

func matchValue(value, query string, exact bool) bool {
	if exact {
		return value == query
	}
	return value != "" && strings.Contains(strings.ToLower(value), strings.ToLower(query))
}
