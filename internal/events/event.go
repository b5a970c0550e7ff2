package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
)

// Kind names the coordinator milestone an Event reports.
type Kind string

// Supported event kinds.
const (
	KindCrawlStarted    Kind = "CRAWL_STARTED"
	KindCrawlResumed    Kind = "CRAWL_RESUMED"
	KindCrawlStopped    Kind = "CRAWL_STOPPED"
	KindBatchEnqueued   Kind = "BATCH_ENQUEUED"
	KindBatchClaimed    Kind = "BATCH_CLAIMED"
	KindUploadCompleted Kind = "UPLOAD_COMPLETED"
	KindUploadRejected  Kind = "UPLOAD_REJECTED"
	KindArchiveBatch    Kind = "ARCHIVE_BATCH"
	KindArchiveEnd      Kind = "ARCHIVE_END"
	KindRestartIssued   Kind = "RESTART_ISSUED"
	KindFetcherStale    Kind = "FETCHER_STALE"
)

// Event is one coordinator milestone.
type Event struct {
	// ID is filled by the hub when empty.
	ID        string          `json:"id"`
	TS        time.Time       `json:"ts"`
	Kind      Kind            `json:"kind"`
	CrawlTime crawl.Timestamp `json:"crawl_time,omitempty"`
	// Fetcher identifies the remote worker involved, when there is one.
	Fetcher   string     `json:"fetcher,omitempty"`
	BatchKind crawl.Kind `json:"batch_kind,omitempty"`
	Shard     int        `json:"shard,omitempty"`
	Items     int        `json:"items,omitempty"`
	Bytes     int64      `json:"bytes,omitempty"`
	// Note carries low-volume diagnostics such as a rejection reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlStarted, KindCrawlResumed, KindCrawlStopped, KindRestartIssued, KindArchiveEnd:
		if e.CrawlTime == 0 {
			return fmt.Errorf("%s requires crawl time", e.Kind)
		}
	case KindBatchEnqueued, KindBatchClaimed:
		if !e.BatchKind.Valid() {
			return fmt.Errorf("%s requires a batch kind", e.Kind)
		}
	case KindUploadCompleted, KindUploadRejected, KindArchiveBatch:
	case KindFetcherStale:
		if e.Fetcher == "" {
			return errors.New("fetcher stale requires fetcher")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Items < 0 || e.Bytes < 0 {
		return errors.New("counts must be >= 0")
	}
	return nil
}
