package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/codec"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

var (
	// ErrNoActiveCrawl is returned by operations that need a running crawl.
	ErrNoActiveCrawl = errors.New("no active crawl")
	// ErrInvalidRequest marks admin input that can never succeed.
	ErrInvalidRequest = errors.New("invalid request")
)

// Snapshot is the operator view of the installation.
type Snapshot struct {
	Status          crawl.StatusRecord              `json:"status"`
	SavedCrawlTimes []crawl.Timestamp               `json:"saved_crawl_times"`
	Fetchers        map[string]status.FetcherStatus `json:"fetchers"`
	PendingMessage  *status.Message                 `json:"pending_message,omitempty"`
	ArchiveCursor   *archive.State                  `json:"archive_cursor,omitempty"`
	UploadsInFlight int                             `json:"uploads_in_flight"`
}

// Snapshot gathers the status record, saved crawls, fetcher liveness, any
// pending admin message and the archive cursor of the active crawl.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	rec, err := s.st.Tracker.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	saved, err := s.st.Params.SavedCrawlTimes(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	fetchers, err := s.st.Network.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	inFlight, err := s.st.Uploads.InFlight()
	if err != nil {
		return Snapshot{}, err
	}
	out := Snapshot{Status: rec, SavedCrawlTimes: saved, Fetchers: fetchers, UploadsInFlight: inFlight}
	msg, ok, err := status.NameServerMailbox(s.st.Records).Read(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if ok {
		out.PendingMessage = &msg
	}
	if rec.CrawlTime != 0 {
		cur, found, err := archive.LoadState(ctx, s.st.Records, rec.CrawlTime)
		if err != nil {
			return Snapshot{}, err
		}
		if found {
			out.ArchiveCursor = &cur
		}
	}
	return out, nil
}

// RequestStart queues a START_CRAWL message for the producer. A zero crawl
// time is replaced with the current time.
func (s *Service) RequestStart(ctx context.Context, params status.CrawlParams) (crawl.Timestamp, error) {
	if params.CrawlTime == 0 {
		params.CrawlTime = crawl.TimestampFrom(s.st.Clock.Now())
	}
	if err := params.Validate(); err != nil {
		return 0, fmt.Errorf("%w: crawl params: %v", ErrInvalidRequest, err)
	}
	if params.CrawlType == crawl.CrawlTypeArchive {
		if _, err := s.st.Archives.Open(ctx, archive.Reference{Type: params.ArchiveType, Path: params.ArchivePath}); err != nil {
			return 0, err
		}
	}
	msg := status.Message{
		Command:   status.CommandStart,
		CrawlTime: params.CrawlTime,
		CrawlType: params.CrawlType,
		Params:    &params,
		IssuedAt:  s.st.Clock.Now().UTC(),
	}
	if err := status.NameServerMailbox(s.st.Records).Write(ctx, msg); err != nil {
		return 0, err
	}
	s.logger.Info("crawl start requested",
		zap.Int64("crawl_time", int64(params.CrawlTime)),
		zap.String("crawl_type", string(params.CrawlType)),
	)
	return params.CrawlTime, nil
}

// RequestStop queues a STOP_CRAWL message. The producer or the next archive
// request carries it out.
func (s *Service) RequestStop(ctx context.Context) error {
	current, err := s.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return err
	}
	msg := status.Message{Command: status.CommandStop, CrawlTime: current, IssuedAt: s.st.Clock.Now().UTC()}
	if err := status.NameServerMailbox(s.st.Records).Write(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("crawl stop requested", zap.Int64("crawl_time", int64(current)))
	return nil
}

// PushSchedule enqueues urls as a Schedule batch of the active crawl. URLs
// are normalized and deduplicated; ones that are not http(s) are dropped.
func (s *Service) PushSchedule(ctx context.Context, urls []string, origin string) (crawl.Timestamp, int, error) {
	current, err := s.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return 0, 0, err
	}
	if current == 0 {
		return 0, 0, ErrNoActiveCrawl
	}
	batch := crawl.Batch{CrawlTime: current}
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		u, err := crawl.NormalizeURL(raw)
		if err != nil {
			s.logger.Warn("dropping unschedulable url", zap.String("url", raw), zap.Error(err))
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		batch.Items = append(batch.Items, crawl.Item{URL: u})
	}
	if len(batch.Items) == 0 {
		return current, 0, fmt.Errorf("%w: no urls to schedule", ErrInvalidRequest)
	}
	data, err := codec.EncodeBatch(batch)
	if err != nil {
		return 0, 0, err
	}
	slot := crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: current}
	if err := s.st.Queue.Enqueue(ctx, slot, origin, data); err != nil {
		return 0, 0, fmt.Errorf("enqueue schedule: %w", err)
	}
	metrics.ObserveBatch("enqueue", string(crawl.KindSchedule))
	s.st.Events.Emit(events.Event{
		Kind:      events.KindBatchEnqueued,
		CrawlTime: current,
		BatchKind: crawl.KindSchedule,
		Items:     len(batch.Items),
		Bytes:     int64(len(data)),
		Note:      "admin push",
	})
	return current, len(batch.Items), nil
}

// ClearArchiveCursor drops the saved archive position of ts.
func (s *Service) ClearArchiveCursor(ctx context.Context, ts crawl.Timestamp) error {
	if ts == 0 {
		return fmt.Errorf("%w: crawl time is required", ErrInvalidRequest)
	}
	return archive.Clear(ctx, s.st.Records, ts)
}
