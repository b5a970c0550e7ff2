package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// FetcherStatus is one fetcher's liveness entry.
type FetcherStatus struct {
	LastSeen   time.Time `json:"last_seen"`
	PeakMemory uint64    `json:"peak_memory,omitempty"`
}

// Network tracks fetcher liveness in network_status.txt.
type Network struct {
	records crawl.RecordStore
	clock   crawl.Clock
	mu      sync.Mutex
}

// NewNetwork creates a Network.
func NewNetwork(records crawl.RecordStore, clock crawl.Clock) *Network {
	return &Network{records: records, clock: clock}
}

// Touch records that fetcher was seen now, raising its peak memory.
func (n *Network) Touch(ctx context.Context, fetcher string, memory uint64) error {
	if fetcher == "" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	entries, err := n.load(ctx)
	if err != nil {
		return err
	}
	now := n.clock.Now().UTC().Truncate(time.Second)
	entry := entries[fetcher]
	if entry.LastSeen.Equal(now) && memory <= entry.PeakMemory {
		return nil
	}
	entry.LastSeen = now
	entry.PeakMemory = max(entry.PeakMemory, memory)
	entries[fetcher] = entry
	return n.save(ctx, entries)
}

// Prune drops fetchers not seen for staleAfter and returns their ids sorted.
func (n *Network) Prune(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	entries, err := n.load(ctx)
	if err != nil {
		return nil, err
	}
	now := n.clock.Now()
	var stale []string
	for id, entry := range entries {
		if now.Sub(entry.LastSeen) >= staleAfter {
			stale = append(stale, id)
			delete(entries, id)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)
	return stale, n.save(ctx, entries)
}

// Snapshot returns every known fetcher.
func (n *Network) Snapshot(ctx context.Context) (map[string]FetcherStatus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.load(ctx)
}

func (n *Network) load(ctx context.Context) (map[string]FetcherStatus, error) {
	entries := make(map[string]FetcherStatus)
	data, err := n.records.Get(ctx, crawl.NetworkStatusName)
	if errors.Is(err, crawl.ErrNotFound) || (err == nil && len(data) == 0) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read network status: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return make(map[string]FetcherStatus), nil
	}
	return entries, nil
}

func (n *Network) save(ctx context.Context, entries map[string]FetcherStatus) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode network status: %w", err)
	}
	if err := n.records.Put(ctx, crawl.NetworkStatusName, data); err != nil {
		return fmt.Errorf("write network status: %w", err)
	}
	return nil
}
