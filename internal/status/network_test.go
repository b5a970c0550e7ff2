package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-coordinator/internal/clock/manual"
	"github.com/JakeFAU/crawl-coordinator/internal/storage/memory"
)

func TestNetworkTouchAndPrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := manual.New(time.Unix(1700000000, 0))
	net := NewNetwork(memory.NewRecordStore(clk), clk)

	require.NoError(t, net.Touch(ctx, "fetcher-a", 100))
	require.NoError(t, net.Touch(ctx, "", 100))
	clk.Advance(10 * time.Minute)
	require.NoError(t, net.Touch(ctx, "fetcher-b", 0))
	require.NoError(t, net.Touch(ctx, "fetcher-a", 50))

	snap, err := net.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, uint64(100), snap["fetcher-a"].PeakMemory)

	clk.Advance(20 * time.Minute)
	require.NoError(t, net.Touch(ctx, "fetcher-b", 0))

	stale, err := net.Prune(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"fetcher-a"}, stale)

	snap, err = net.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap, "fetcher-b")
	require.NotContains(t, snap, "fetcher-a")

	stale, err = net.Prune(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Empty(t, stale)
}
