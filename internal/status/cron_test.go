package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/manual"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/storage/memory"
)

func TestCronDueOncePerInterval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Unix(1700000000, 0))
	cron := NewCron(memory.NewRecordStore(clk), clk)

	due, err := cron.Due(ctx, "fetcher_restart", 300*time.Second)
	require.NoError(t, err)
	require.True(t, due)

	clk.Advance(299 * time.Second)
	due, err = cron.Due(ctx, "fetcher_restart", 300*time.Second)
	require.NoError(t, err)
	require.False(t, due)

	due, err = cron.Due(ctx, "fetcher_liveness", 300*time.Second)
	require.NoError(t, err)
	require.True(t, due, "gates are independent")

	clk.Advance(time.Second)
	due, err = cron.Due(ctx, "fetcher_restart", 300*time.Second)
	require.NoError(t, err)
	require.True(t, due)

	last, ok, err := cron.LastRun(ctx, "fetcher_restart")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Unix(1700000300, 0).UTC(), last)
}

func TestCronSharedAcrossInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Unix(1700000000, 0))
	records := memory.NewRecordStore(clk)

	due, err := NewCron(records, clk).Due(ctx, "x", time.Minute)
	require.NoError(t, err)
	require.True(t, due)
	due, err = NewCron(records, clk).Due(ctx, "x", time.Minute)
	require.NoError(t, err)
	require.False(t, due)
}

func TestCronRecoversFromCorruptFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Unix(1700000000, 0))
	records := memory.NewRecordStore(clk)
	require.NoError(t, records.Put(ctx, crawl.CronRecordName, []byte("not json")))

	due, err := NewCron(records, clk).Due(ctx, "x", time.Minute)
	require.NoError(t, err)
	require.True(t, due)
}
