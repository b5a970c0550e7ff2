package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/manual"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Kind: KindCrawlStarted, CrawlTime: 42})
	hub.Emit(Event{Kind: KindCrawlStopped, CrawlTime: 42})
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTicker(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(Event{Kind: KindUploadCompleted, Bytes: 10})
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubStampsEvents(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1700000000, 0))
	sink := newStubSink()
	hub := NewHub(Config{Clock: clk, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Kind: KindRestartIssued, CrawlTime: 7})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	evt := batches[0][0]
	require.NotEmpty(t, evt.ID)
	require.True(t, evt.TS.Equal(time.Unix(1700000000, 0)))
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Kind: "NOPE"})
	hub.Emit(Event{Kind: KindBatchClaimed})
	hub.Emit(Event{Kind: KindBatchClaimed, BatchKind: crawl.KindFetchSchedule})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{Clock: manual.New(time.Unix(1, 0)), IDs: fixedIDs{}},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(Event{Kind: KindUploadRejected})
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(Event{Kind: KindUploadCompleted})
	require.Empty(t, sink.Batches())
	require.True(t, sink.closed)
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "id", nil }

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

var (
	_ Emitter = (*Hub)(nil)
	_ Emitter = (*Recorder)(nil)
)
