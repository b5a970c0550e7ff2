package coordinator

import (
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

// Envelope statuses besides the upload outcomes.
const (
	StatusOK     = "OK"
	StatusNoData = "NO_DATA"
)

// Envelope is the response body of every fetch protocol call. Batch bytes
// travel in DATA, which encoding/json renders as base64. QUEUE_SERVERS and
// SAVED_CRAWL_TIMES are dropped only when nil, so crawlTime always sends them.
type Envelope struct {
	Status  string `json:"STATUS"`
	Message string `json:"MESSAGE,omitempty"`
	Data    []byte `json:"DATA,omitempty"`
	// Chunk marks DATA as a raw compressed text chunk instead of a record list.
	Chunk              bool                `json:"CHUNK,omitempty"`
	ArchiveBundleError string              `json:"ARCHIVE_BUNDLE_ERROR,omitempty"`
	EndIterator        bool                `json:"END_ITERATOR,omitempty"`
	PostMaxSize        int64               `json:"POST_MAX_SIZE,omitempty"`
	MemoryUsage        uint64              `json:"MEMORY_USAGE,omitempty"`
	CrawlTime          *crawl.Timestamp    `json:"CRAWL_TIME,omitempty"`
	CrawlType          crawl.CrawlType     `json:"CRAWL_TYPE,omitempty"`
	Shard              *int                `json:"SHARD,omitempty"`
	QueueServers       []string            `json:"QUEUE_SERVERS,omitzero"`
	SavedCrawlTimes    []crawl.Timestamp   `json:"SAVED_CRAWL_TIMES,omitzero"`
	MinFetchLoopTime   float64             `json:"MINIMUM_FETCH_LOOP_TIME,omitempty"`
	CrawlParams        *status.CrawlParams `json:"CRAWL_PARAMS,omitempty"`
	Classifiers        map[string][]byte   `json:"ACTIVE_CLASSIFIERS_DATA,omitempty"`
	Summary            string              `json:"SUMMARY,omitempty"`
}

func noData(msg string) Envelope {
	return Envelope{Status: StatusNoData, Message: msg}
}

func timestampPtr(ts crawl.Timestamp) *crawl.Timestamp {
	return &ts
}
