package crawl

import (
	"strconv"
	"strings"
	"time"
)

// TimestampLen is the maximum number of digits kept from a crawl timestamp.
const TimestampLen = 10

// OneDay is the width of a schedule day bucket.
const OneDay = 24 * time.Hour

// Timestamp identifies one crawl run in seconds since the epoch.
type Timestamp int64

// ParseTimestamp reads the leading digits of raw and truncates them to
// TimestampLen. Anything unparsable yields 0.
func ParseTimestamp(raw string) Timestamp {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	digits := raw[:end]
	if len(digits) > TimestampLen {
		digits = digits[:TimestampLen]
	}
	if digits == "" {
		return 0
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return Timestamp(v)
}

// TimestampFrom converts a wall-clock time to a crawl timestamp.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

// String renders the timestamp as decimal digits.
func (ts Timestamp) String() string {
	return strconv.FormatInt(int64(ts), 10)
}

// Time converts the timestamp back to a UTC time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts), 0).UTC()
}

// Kind names a class of work batch handed between coordinator and fetchers.
type Kind string

// Batch kinds. The first four are uploaded by fetchers and stored in day
// buckets; FetchSchedule is the fixed per-shard slot fetchers claim.
const (
	KindRobotData           Kind = "RobotData"
	KindSchedule            Kind = "Schedule"
	KindIndex               Kind = "Index"
	KindCachePageValidation Kind = "CachePageValidation"
	KindFetchSchedule       Kind = "FetchSchedule"
)

// DayBucketed reports whether batches of this kind are filed per day.
func (k Kind) DayBucketed() bool {
	switch k {
	case KindRobotData, KindSchedule, KindIndex, KindCachePageValidation:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.DayBucketed() || k == KindFetchSchedule
}

// Slot addresses one queue cell. Shard is only meaningful for FetchSchedule.
type Slot struct {
	Kind      Kind
	CrawlTime Timestamp
	Shard     int
}

// CrawlType distinguishes live web crawls from archive re-crawls.
type CrawlType string

// Supported crawl types.
const (
	CrawlTypeWeb     CrawlType = "web"
	CrawlTypeArchive CrawlType = "archive"
)

// Item is one URL to fetch.
type Item struct {
	URL    string  `json:"url"`
	Weight float64 `json:"weight,omitempty"`
	Depth  int     `json:"depth,omitempty"`
}

// Batch is the decoded form of a schedule.
type Batch struct {
	CrawlTime Timestamp `json:"crawl_time"`
	Items     []Item    `json:"items"`
}

// StatusRecord is the single persisted crawl status document.
type StatusRecord struct {
	CrawlTime         Timestamp `json:"crawl_time"`
	FetcherPeakMemory uint64    `json:"fetcher_peak_memory"`
	WebappPeakMemory  uint64    `json:"webapp_peak_memory"`
	CrawlType         CrawlType `json:"crawl_type,omitempty"`
}
