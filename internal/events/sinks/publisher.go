package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
)

// PublisherSink forwards each event to a message topic.
type PublisherSink struct {
	pub    crawl.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink publishes to topic through pub.
func NewPublisherSink(pub crawl.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes the batch in order. Individual failures are collected so
// one bad publish does not starve the rest of the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		id, err := s.pub.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
			continue
		}
		s.logger.Debug("event published", zap.String("kind", string(evt.Kind)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
