package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID),
			zap.String("kind", string(evt.Kind)),
			zap.Time("at", evt.TS),
		}
		if evt.CrawlTime != 0 {
			fields = append(fields, zap.Int64("crawl_time", int64(evt.CrawlTime)))
		}
		if evt.Fetcher != "" {
			fields = append(fields, zap.String("fetcher", evt.Fetcher))
		}
		if evt.BatchKind != "" {
			fields = append(fields, zap.String("batch_kind", string(evt.BatchKind)), zap.Int("shard", evt.Shard))
		}
		if evt.Items > 0 {
			fields = append(fields, zap.Int("items", evt.Items))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("coordinator event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
