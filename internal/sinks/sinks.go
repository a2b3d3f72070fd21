// Package sinks provides item delivery destinations composed behind the
// monitor.Sink interface.
package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// Store persists delivered items through a monitor.ItemStore.
type Store struct {
	store monitor.ItemStore
}

// NewStore returns a sink backed by the given item store.
func NewStore(store monitor.ItemStore) *Store {
	return &Store{store: store}
}

// Accept saves the item.
func (s *Store) Accept(ctx context.Context, item monitor.Item) error {
	if err := s.store.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("save item %s #%d: %w", item.SourceName, item.Index, err)
	}
	return nil
}

// Log writes a structured line per delivered item.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a logging sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Accept logs the item and never fails.
func (l *Log) Accept(_ context.Context, item monitor.Item) error {
	fields := []zap.Field{
		zap.String("source", item.SourceName),
		zap.Int("num", item.Index),
		zap.String("model", item.Fields.Model),
		zap.String("owner", item.Fields.Owner),
		zap.String("url", item.SourceURL),
	}
	if qty, ok := item.Quantity(); ok {
		fields = append(fields, zap.Int("quantity", qty))
	}
	l.logger.Info("item discovered", fields...)
	return nil
}

// Publish forwards delivered items to an event publisher.
type Publish struct {
	publisher monitor.Publisher
	topic     string
}

// NewPublish returns a sink that publishes each item to topic.
func NewPublish(publisher monitor.Publisher, topic string) *Publish {
	return &Publish{publisher: publisher, topic: topic}
}

// Accept publishes the item as a JSON event.
func (p *Publish) Accept(ctx context.Context, item monitor.Item) error {
	if _, err := p.publisher.Publish(ctx, p.topic, item); err != nil {
		return fmt.Errorf("publish item %s #%d: %w", item.SourceName, item.Index, err)
	}
	return nil
}

// Multi fans one item out to several sinks. Every sink sees the item even
// when an earlier one fails; errors are joined.
type Multi struct {
	sinks []monitor.Sink
}

// NewMulti composes the given sinks. Nil entries are skipped.
func NewMulti(sinks ...monitor.Sink) *Multi {
	out := make([]monitor.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

// Accept delivers the item to all sinks.
func (m *Multi) Accept(ctx context.Context, item monitor.Item) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Accept(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
