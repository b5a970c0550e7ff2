package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Tracker reads and updates the crawl status record. Updates are whole-record
// read-modify-writes; the mutex only orders writers inside this process, so
// writers in other processes can still overwrite each other. Peak memory
// fields are written only when the new value is strictly larger, which keeps
// lost updates from ever lowering a peak that was observed later.
type Tracker struct {
	store crawl.StatusStore
	inbox *Mailbox
	mu    sync.Mutex
}

// NewTracker wraps store. inbox is the name server mailbox consulted by
// IsStopRequested and may be nil.
func NewTracker(store crawl.StatusStore, inbox *Mailbox) *Tracker {
	return &Tracker{store: store, inbox: inbox}
}

// Load returns the whole record.
func (t *Tracker) Load(ctx context.Context) (crawl.StatusRecord, error) {
	rec, err := t.store.Load(ctx)
	if err != nil {
		return crawl.StatusRecord{}, fmt.Errorf("load crawl status: %w", err)
	}
	return rec, nil
}

// CurrentCrawlTime returns the active crawl, or 0 when none is running.
func (t *Tracker) CurrentCrawlTime(ctx context.Context) (crawl.Timestamp, error) {
	rec, err := t.Load(ctx)
	if err != nil {
		return 0, err
	}
	return rec.CrawlTime, nil
}

// RecordFetcherMemory raises the fetcher peak to bytes. It reports whether
// the record was written.
func (t *Tracker) RecordFetcherMemory(ctx context.Context, bytes uint64) (bool, error) {
	return t.update(ctx, func(rec *crawl.StatusRecord) bool {
		if bytes <= rec.FetcherPeakMemory {
			return false
		}
		rec.FetcherPeakMemory = bytes
		return true
	})
}

// RecordWebappMemory raises the web process peak to bytes. It reports whether
// the record was written.
func (t *Tracker) RecordWebappMemory(ctx context.Context, bytes uint64) (bool, error) {
	return t.update(ctx, func(rec *crawl.StatusRecord) bool {
		if bytes <= rec.WebappPeakMemory {
			return false
		}
		rec.WebappPeakMemory = bytes
		return true
	})
}

// SetCrawl marks ts as the active crawl of the given type.
func (t *Tracker) SetCrawl(ctx context.Context, ts crawl.Timestamp, typ crawl.CrawlType) error {
	_, err := t.update(ctx, func(rec *crawl.StatusRecord) bool {
		if rec.CrawlTime == ts && rec.CrawlType == typ {
			return false
		}
		rec.CrawlTime = ts
		rec.CrawlType = typ
		return true
	})
	return err
}

// ClearCrawlTime marks no crawl as active, keeping the peaks.
func (t *Tracker) ClearCrawlTime(ctx context.Context) error {
	_, err := t.update(ctx, func(rec *crawl.StatusRecord) bool {
		if rec.CrawlTime == 0 {
			return false
		}
		rec.CrawlTime = 0
		return true
	})
	return err
}

// IsStopRequested reports whether a STOP_CRAWL message is waiting.
func (t *Tracker) IsStopRequested(ctx context.Context) (bool, error) {
	if t.inbox == nil {
		return false, nil
	}
	msg, ok, err := t.inbox.Read(ctx)
	if err != nil || !ok {
		return false, err
	}
	return msg.Command == CommandStop, nil
}

func (t *Tracker) update(ctx context.Context, mutate func(*crawl.StatusRecord) bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load crawl status: %w", err)
	}
	if !mutate(&rec) {
		return false, nil
	}
	if err := t.store.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("save crawl status: %w", err)
	}
	return true, nil
}
