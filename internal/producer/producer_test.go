package producer

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/clock/manual"
	"github.com/JakeFAU/crawl-coordinator/internal/codec"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/partition"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
	"github.com/JakeFAU/crawl-coordinator/internal/storage/memory"
	"github.com/JakeFAU/crawl-coordinator/internal/supervisor"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

const ts crawl.Timestamp = 1700000000

const shards = 3

type fixture struct {
	p       *Producer
	st      *coordinator.State
	queue   *memory.Queue
	records *memory.RecordStore
	clock   *manual.Clock
	rec     *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := manual.New(time.Unix(int64(ts), 0))
	records := memory.NewRecordStore(clk)
	queue := memory.NewQueue()
	rec := &events.Recorder{}
	tracker := status.NewTracker(status.NewRecordStatusStore(records), status.NameServerMailbox(records))
	params, err := status.NewParamsStore(records, 4)
	require.NoError(t, err)
	cron := status.NewCron(records, clk)
	uploads, err := upload.New(upload.Config{TempDir: t.TempDir()}, queue, clk, nil)
	require.NoError(t, err)
	st := &coordinator.State{
		Config:   coordinator.Config{FetcherShards: shards},
		Queue:    queue,
		Records:  records,
		Lease:    memory.NewLeaser(clk),
		Tracker:  tracker,
		Params:   params,
		Network:  status.NewNetwork(records, clk),
		Cron:     cron,
		Uploads:  uploads,
		Archives: archive.NewRegistry(records, archive.Options{}),
		Supervisor: supervisor.New(supervisor.Deps{
			Records: records, Tracker: tracker, Params: params, Cron: cron, Clock: clk,
		}),
		Events: rec,
		Clock:  clk,
	}
	p, err := New(st, zap.NewNop())
	require.NoError(t, err)
	return &fixture{p: p, st: st, queue: queue, records: records, clock: clk, rec: rec}
}

func webParams(seeds ...string) *status.CrawlParams {
	return &status.CrawlParams{CrawlTime: ts, CrawlType: crawl.CrawlTypeWeb, SeedSites: seeds}
}

func (f *fixture) send(t *testing.T, msg status.Message) {
	t.Helper()
	require.NoError(t, status.NameServerMailbox(f.records).Write(context.Background(), msg))
}

func (f *fixture) drainShards(t *testing.T) map[int][]string {
	t.Helper()
	out := map[int][]string{}
	for shard := 0; shard < shards; shard++ {
		data, err := f.queue.TryDequeue(context.Background(), crawl.Slot{Kind: crawl.KindFetchSchedule, CrawlTime: ts, Shard: shard})
		if err != nil {
			require.ErrorIs(t, err, crawl.ErrNoBatch)
			continue
		}
		batch, err := codec.DecodeBatch(data)
		require.NoError(t, err)
		for _, it := range batch.Items {
			out[shard] = append(out[shard], it.URL)
		}
	}
	return out
}

func TestStartSeedsAndPartitionsByHost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seeds := []string{"https://a.example/", "https://b.example/", "https://c.example/x", "https://a.example/y", "https://d.example/"}
	f.send(t, status.Message{Command: status.CommandStart, CrawlTime: ts, Params: webParams(seeds...)})

	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, out)

	current, err := f.st.Tracker.CurrentCrawlTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, current)
	_, err = f.records.Get(ctx, crawl.IndexClosedName(ts))
	require.NoError(t, err, "heartbeat marker written")

	got := f.drainShards(t)
	var all []string
	for shard, urls := range got {
		for _, u := range urls {
			assert.Equal(t, shard, partition.Shard(partition.HostKey(u), shards), u)
			all = append(all, u)
		}
	}
	sort.Strings(all)
	want := append([]string(nil), seeds...)
	sort.Strings(want)
	assert.Equal(t, want, all)

	kinds := f.rec.Kinds()
	assert.Equal(t, events.KindCrawlStarted, kinds[0])
	assert.Contains(t, kinds, events.KindBatchEnqueued)

	_, ok, err := status.NameServerMailbox(f.records).Read(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "message consumed")
}

func TestStepWaitsForFetchersThenRunsDry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.send(t, status.Message{Command: status.CommandStart, CrawlTime: ts, Params: webParams("https://a.example/")})
	_, err := f.p.Step(ctx)
	require.NoError(t, err)

	batch, err := codec.EncodeBatch(crawl.Batch{CrawlTime: ts, Items: []crawl.Item{{URL: "https://z.example/"}}})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: ts}, "f1", batch))

	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)

	f.drainShards(t)
	out, err = f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, out)

	f.drainShards(t)
	out, err = f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoWork, out)
}

func TestStepDropsCorruptSchedulesAndFiltersDepth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	params := webParams("https://a.example/")
	params.MaxDepth = 1
	require.NoError(t, f.st.Params.Save(ctx, *params))
	require.NoError(t, f.st.Tracker.SetCrawl(ctx, ts, crawl.CrawlTypeWeb))

	slot := crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: ts}
	require.NoError(t, f.queue.Enqueue(ctx, slot, "f1", []byte("not snappy")))
	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCorrupt, out)

	batch, err := codec.EncodeBatch(crawl.Batch{CrawlTime: ts, Items: []crawl.Item{
		{URL: "https://a.example/1", Depth: 1},
		{URL: "https://a.example/2", Depth: 2},
	}})
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, slot, "f1", batch))
	out, err = f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProduced, out)

	var urls []string
	for _, u := range f.drainShards(t) {
		urls = append(urls, u...)
	}
	assert.Equal(t, []string{"https://a.example/1"}, urls)
}

func TestStopMessageEndsCrawl(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.send(t, status.Message{Command: status.CommandStart, CrawlTime: ts, Params: webParams("https://a.example/")})
	_, err := f.p.Step(ctx)
	require.NoError(t, err)

	f.send(t, status.Message{Command: status.CommandStop})
	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, out)

	current, err := f.st.Tracker.CurrentCrawlTime(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)
	_, err = f.records.Get(ctx, crawl.IndexClosedName(ts))
	assert.ErrorIs(t, err, crawl.ErrNotFound)
	assert.Contains(t, f.rec.Kinds(), events.KindCrawlStopped)
}

func TestResetAndQueueServerResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.Params.Save(ctx, *webParams("https://a.example/")))
	require.NoError(t, f.st.Tracker.SetCrawl(ctx, ts, crawl.CrawlTypeWeb))

	require.NoError(t, f.p.Reset(ctx))
	current, err := f.st.Tracker.CurrentCrawlTime(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	require.NoError(t, status.QueueServerMailbox(f.records).Write(ctx, status.Message{
		Command: status.CommandResume, CrawlTime: ts,
	}))
	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoWork, out)

	current, err = f.st.Tracker.CurrentCrawlTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts, current)
	assert.Contains(t, f.rec.Kinds(), events.KindCrawlResumed)

	_, ok, err := status.QueueServerMailbox(f.records).Read(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidMessageDiscarded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.send(t, status.Message{Command: status.CommandStart, CrawlTime: ts})

	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, out)
	_, ok, err := status.NameServerMailbox(f.records).Read(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveCrawlOnlyHeartbeats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.records.Put(ctx, "archives/old/partition_00000.jsonl", []byte("{}\n")))
	f.send(t, status.Message{Command: status.CommandStart, CrawlTime: ts, Params: &status.CrawlParams{
		CrawlTime: ts, CrawlType: crawl.CrawlTypeArchive, ArchiveType: archive.TypeWeb, ArchivePath: "archives/old",
	}})

	out, err := f.p.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArchive, out)

	f.clock.Advance(time.Minute)
	_, err = f.p.Step(ctx)
	require.NoError(t, err)
	mod, err := f.records.ModTime(ctx, crawl.IndexClosedName(ts))
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), mod)
}
