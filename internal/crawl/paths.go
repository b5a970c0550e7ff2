package crawl

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Record names shared by every RecordStore backend. They are slash separated
// and relative to the installation root.
const (
	SchedulesDir            = "schedules"
	StatusRecordName        = "schedules/crawl_status.txt"
	NetworkStatusName       = "schedules/network_status.txt"
	NameServerMessagesName  = "schedules/NameServerMessages.txt"
	QueueServerMessagesName = "schedules/QueueServerMessages.txt"
	ArchiveLeaseName        = "schedules/NameServerLock.txt"
	CronRecordName          = "schedules/cron_times.txt"
	IndexDataPrefix         = "cache/IndexData"
	ClassifiersDir          = "classifiers"
)

// IndexClosedName is the coordinator heartbeat marker for a crawl.
func IndexClosedName(ts Timestamp) string {
	return fmt.Sprintf("schedules/IndexClosed%d.txt", ts)
}

// ArchiveIteratorName is the persisted cursor state for an archive crawl.
func ArchiveIteratorName(ts Timestamp) string {
	return fmt.Sprintf("schedules/ArchiveIterator%d/state.json", ts)
}

// ParamsName is the crawl parameter document for a crawl.
func ParamsName(ts Timestamp) string {
	return fmt.Sprintf("%s%d/params.yaml", IndexDataPrefix, ts)
}

// ClassifierName is the stored model for a named classifier.
func ClassifierName(name string) string {
	return path.Join(ClassifiersDir, name+".model")
}

// CrawlTimeFromIndexData extracts the crawl time from a name under
// IndexDataPrefix, returning false for anything else.
func CrawlTimeFromIndexData(name string) (Timestamp, bool) {
	rest, ok := strings.CutPrefix(name, IndexDataPrefix)
	if !ok {
		return 0, false
	}
	digits, _, _ := strings.Cut(rest, "/")
	ts := ParseTimestamp(digits)
	if ts == 0 || digits != ts.String() {
		return 0, false
	}
	return ts, true
}

// SlotDir is the directory holding day buckets for a day-bucketed slot.
func SlotDir(slot Slot) string {
	return fmt.Sprintf("%s/%s%d", SchedulesDir, slot.Kind, slot.CrawlTime)
}

// FetchSlotName is the fixed name of a FetchSchedule slot.
func FetchSlotName(slot Slot) string {
	if slot.Shard == 0 {
		return fmt.Sprintf("%s/%s%d.txt", SchedulesDir, KindFetchSchedule, slot.CrawlTime)
	}
	return fmt.Sprintf("%s/%s%d_%d.txt", SchedulesDir, KindFetchSchedule, slot.CrawlTime, slot.Shard)
}

// DayBucket returns the day index for t.
func DayBucket(t time.Time) int64 {
	return t.Unix() / int64(OneDay/time.Second)
}

// BatchFileName names an uploaded batch file inside a day bucket.
func BatchFileName(at time.Time, origin, hash string) string {
	return fmt.Sprintf("At%dFrom%sWithHash%s.txt", at.Unix(), SanitizeOrigin(origin), hash)
}

// BatchPath is the full record path of a day-bucketed batch.
func BatchPath(slot Slot, at time.Time, origin, hash string) string {
	return path.Join(SlotDir(slot), strconv.FormatInt(DayBucket(at), 10), BatchFileName(at, origin, hash))
}

// SanitizeOrigin keeps an address usable inside a file name.
func SanitizeOrigin(origin string) string {
	if origin == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range origin {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
