package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-coordinator/internal/events"
)

// PrometheusSink turns coordinator events into counters.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	batchItems    *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	staleFetchers prometheus.Counter
	activeCrawl   prometheus.Gauge
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_events_total",
			Help: "Coordinator events partitioned by kind.",
		}, []string{"kind"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_batch_items_total",
			Help: "Items moved through the batch queue partitioned by event kind and batch kind.",
		}, []string{"kind", "batch_kind"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_upload_bytes_total",
			Help: "Bytes of completed fetcher uploads.",
		}),
		staleFetchers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_fetchers_stale_total",
			Help: "Fetchers pruned from the network status for inactivity.",
		}),
		activeCrawl: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_active_crawl_time",
			Help: "Crawl time of the active crawl, 0 when stopped.",
		}),
	}
	for _, c := range []prometheus.Collector{s.events, s.batchItems, s.uploadBytes, s.staleFetchers, s.activeCrawl} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.KindBatchEnqueued, events.KindBatchClaimed, events.KindArchiveBatch:
			if evt.Items > 0 {
				batchKind := string(evt.BatchKind)
				if batchKind == "" {
					batchKind = "archive"
				}
				s.batchItems.WithLabelValues(string(evt.Kind), batchKind).Add(float64(evt.Items))
			}
		case events.KindUploadCompleted:
			s.uploadBytes.Add(float64(evt.Bytes))
		case events.KindFetcherStale:
			s.staleFetchers.Inc()
		case events.KindCrawlStarted, events.KindCrawlResumed, events.KindRestartIssued:
			s.activeCrawl.Set(float64(evt.CrawlTime))
		case events.KindCrawlStopped:
			s.activeCrawl.Set(0)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
