package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/clock/manual"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
	"github.com/JakeFAU/crawl-coordinator/internal/storage/memory"
	"github.com/JakeFAU/crawl-coordinator/internal/supervisor"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

const crawlTS crawl.Timestamp = 1700000000

type fixture struct {
	svc     *Service
	st      *State
	clock   *manual.Clock
	queue   *memory.Queue
	records *memory.RecordStore
	rec     *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := manual.New(time.Unix(int64(crawlTS)+60, 0))
	records := memory.NewRecordStore(clk)
	queue := memory.NewQueue()
	rec := &events.Recorder{}
	tracker := status.NewTracker(status.NewRecordStatusStore(records), status.NameServerMailbox(records))
	params, err := status.NewParamsStore(records, 8)
	require.NoError(t, err)
	cron := status.NewCron(records, clk)
	uploads, err := upload.New(upload.Config{TempDir: t.TempDir()}, queue, clk, nil)
	require.NoError(t, err)
	st := &State{
		Config: Config{
			MaxPostSize:       2 << 20,
			ArchiveBatchSize:  4,
			MinFetchLoop:      5 * time.Second,
			MaxFetchLoop:      12 * time.Second,
			MaxProcessingTime: time.Minute,
			LivenessInterval:  300 * time.Second,
			FetcherStaleAfter: time.Hour,
			QueueServers:      []string{"http://qs-1:8080"},
			FetcherShards:     2,
		},
		Queue:    queue,
		Records:  records,
		Lease:    memory.NewLeaser(clk),
		Tracker:  tracker,
		Params:   params,
		Network:  status.NewNetwork(records, clk),
		Cron:     cron,
		Uploads:  uploads,
		Archives: archive.NewRegistry(records, archive.Options{ChunkSize: 64}),
		Supervisor: supervisor.New(supervisor.Deps{
			Records: records, Tracker: tracker, Params: params, Cron: cron, Emitter: rec, Clock: clk,
		}),
		Events: rec,
		Clock:  clk,
		Memory: func() uint64 { return 4096 },
	}
	svc, err := NewService(st)
	require.NoError(t, err)
	return &fixture{svc: svc, st: st, clock: clk, queue: queue, records: records, rec: rec}
}

func (f *fixture) startCrawl(t *testing.T, p status.CrawlParams) {
	t.Helper()
	ctx := context.Background()
	if p.CrawlTime == 0 {
		p.CrawlTime = crawlTS
	}
	require.NoError(t, f.st.Params.Save(ctx, p))
	require.NoError(t, f.st.Tracker.SetCrawl(ctx, p.CrawlTime, p.CrawlType))
}

func (f *fixture) kinds() []events.Kind {
	return f.rec.Kinds()
}
