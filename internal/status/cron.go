package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Cron gates named periodic tasks through cron_times.txt, so a task runs at
// most once per interval across every process sharing the store.
type Cron struct {
	records crawl.RecordStore
	clock   crawl.Clock
	mu      sync.Mutex
}

// NewCron creates a Cron.
func NewCron(records crawl.RecordStore, clock crawl.Clock) *Cron {
	return &Cron{records: records, clock: clock}
}

// Due reports whether name last ran at least interval ago (or never) and, if
// so, records now as its last run.
func (c *Cron) Due(ctx context.Context, name string, interval time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	times, err := c.load(ctx)
	if err != nil {
		return false, err
	}
	now := c.clock.Now()
	if last, ok := times[name]; ok && now.Sub(time.Unix(last, 0)) < interval {
		return false, nil
	}
	times[name] = now.Unix()
	data, err := json.Marshal(times)
	if err != nil {
		return false, fmt.Errorf("encode cron times: %w", err)
	}
	if err := c.records.Put(ctx, crawl.CronRecordName, data); err != nil {
		return false, fmt.Errorf("write cron times: %w", err)
	}
	return true, nil
}

// LastRun returns when name last fired.
func (c *Cron) LastRun(ctx context.Context, name string) (time.Time, bool, error) {
	times, err := c.load(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	last, ok := times[name]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(last, 0).UTC(), true, nil
}

func (c *Cron) load(ctx context.Context) (map[string]int64, error) {
	times := make(map[string]int64)
	data, err := c.records.Get(ctx, crawl.CronRecordName)
	if errors.Is(err, crawl.ErrNotFound) {
		return times, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cron times: %w", err)
	}
	if len(data) == 0 {
		return times, nil
	}
	if err := json.Unmarshal(data, &times); err != nil {
		// Unreadable cron times reset every gate.
		return make(map[string]int64), nil
	}
	return times, nil
}
