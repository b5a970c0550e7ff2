package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/publisher/memory"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{TS: now, Kind: events.KindCrawlStarted, CrawlTime: 1700000000},
		{TS: now, Kind: events.KindBatchEnqueued, BatchKind: crawl.KindFetchSchedule, Items: 12},
		{TS: now, Kind: events.KindBatchClaimed, BatchKind: crawl.KindFetchSchedule, Items: 12},
		{TS: now, Kind: events.KindUploadCompleted, Bytes: 2048},
		{TS: now, Kind: events.KindFetcherStale, Fetcher: "10.0.0.5"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1700000000.0, testutil.ToFloat64(sink.activeCrawl), 1e-3)
	require.InDelta(t, 12.0, testutil.ToFloat64(sink.batchItems.WithLabelValues("BATCH_CLAIMED", "FetchSchedule")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.uploadBytes), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.staleFetchers), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("UPLOAD_COMPLETED")), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{TS: now, Kind: events.KindCrawlStopped, CrawlTime: 1700000000},
	}))
	require.Zero(t, testutil.ToFloat64(sink.activeCrawl))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{ID: "e1", TS: time.Now(), Kind: events.KindUploadRejected, Note: "checksum mismatch"},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "UPLOAD_REJECTED", fields["kind"])
	require.Equal(t, "checksum mismatch", fields["note"])
	require.NotContains(t, fields, "crawl_time")
}

func TestPublisherSinkPublishesEachEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "coordinator-events", nil)
	batch := []events.Event{
		{Kind: events.KindCrawlStarted, CrawlTime: 1},
		{Kind: events.KindCrawlStopped, CrawlTime: 1},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "coordinator-events", msgs[0].Topic)
	require.Equal(t, batch[1], msgs[1].Payload)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []events.Event{
		{Kind: events.KindCrawlStarted, CrawlTime: 1},
		{Kind: events.KindCrawlStopped, CrawlTime: 1},
	})
	require.ErrorContains(t, err, "publish CRAWL_STARTED")
	require.ErrorContains(t, err, "publish CRAWL_STOPPED")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}
