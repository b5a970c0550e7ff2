package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/codec"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

func TestRequestStartWritesMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	ts, err := f.svc.RequestStart(ctx, status.CrawlParams{
		CrawlType: crawl.CrawlTypeWeb, SeedSites: []string{"https://a.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, crawl.TimestampFrom(f.clock.Now()), ts)

	msg, ok, err := status.NameServerMailbox(f.records).Read(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, status.CommandStart, msg.Command)
	require.NotNil(t, msg.Params)
	assert.Equal(t, ts, msg.Params.CrawlTime)
}

func TestRequestStartRejectsBadArchive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.RequestStart(context.Background(), status.CrawlParams{
		CrawlType: crawl.CrawlTypeArchive, ArchiveType: archive.TypeWeb, ArchivePath: "archives/missing",
	})
	var ce *archive.ConstructionError
	require.ErrorAs(t, err, &ce)

	_, err = f.svc.RequestStart(context.Background(), status.CrawlParams{CrawlType: "ftp"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.startCrawl(t, status.CrawlParams{CrawlType: crawl.CrawlTypeWeb, SeedSites: []string{"https://a.example"}})
	require.NoError(t, f.svc.RequestStop(ctx))

	stop, err := f.st.Tracker.IsStopRequested(ctx)
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestPushSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.svc.PushSchedule(ctx, []string{"https://a.example"}, "cli")
	require.ErrorIs(t, err, ErrNoActiveCrawl)

	f.startCrawl(t, status.CrawlParams{CrawlType: crawl.CrawlTypeWeb, SeedSites: []string{"https://a.example"}})
	urls := []string{"https://a.example/x", " ", "HTTPS://B.example:443/#top", "https://b.example/", "ftp://c.example/"}
	ts, n, err := f.svc.PushSchedule(ctx, urls, "cli")
	require.NoError(t, err)
	assert.Equal(t, crawlTS, ts)
	assert.Equal(t, 2, n)

	data, err := f.queue.TryDequeue(ctx, crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: crawlTS})
	require.NoError(t, err)
	batch, err := codec.DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, "https://a.example/x", batch.Items[0].URL)
	assert.Equal(t, "https://b.example/", batch.Items[1].URL)

	_, _, err = f.svc.PushSchedule(ctx, []string{"mailto:x@example.com"}, "cli")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSnapshotAndClearCursor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedWebArchive(t, f, 5)
	_, err := f.svc.ArchiveSchedule(ctx, ArchiveRequest{CrawlTime: crawlTS, Fetcher: "f1"})
	require.NoError(t, err)

	snap, err := f.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawlTS, snap.Status.CrawlTime)
	assert.Contains(t, snap.Fetchers, "f1")
	require.NotNil(t, snap.ArchiveCursor)
	assert.Equal(t, int64(4), snap.ArchiveCursor.Returned)

	require.NoError(t, f.svc.ClearArchiveCursor(ctx, crawlTS))
	snap, err = f.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.ArchiveCursor)
	require.ErrorIs(t, f.svc.ClearArchiveCursor(ctx, 0), ErrInvalidRequest)
}
