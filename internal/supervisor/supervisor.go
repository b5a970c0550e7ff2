// Package supervisor resumes a crawl whose coordinator stopped producing
// work while fetchers kept polling.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

// CronName gates restart checks in cron_times.txt.
const CronName = "fetcher_restart"

// Decision explains a MaybeRestart outcome.
type Decision string

// Reasons MaybeRestart can return.
const (
	DecisionNoCrawl       Decision = "no_crawl"
	DecisionMarkerMissing Decision = "marker_missing"
	DecisionMarkerStale   Decision = "marker_not_newer"
	DecisionCrawlActive   Decision = "crawl_active"
	DecisionNotDue        Decision = "not_due"
	DecisionNoParams      Decision = "no_params"
	DecisionRestarted     Decision = "restarted"
)

// Supervisor decides whether to re-announce a crawl.
type Supervisor struct {
	records  crawl.RecordStore
	tracker  *status.Tracker
	params   *status.ParamsStore
	cron     *status.Cron
	mailbox  *status.Mailbox
	emitter  events.Emitter
	clock    crawl.Clock
	interval time.Duration
	logger   *zap.Logger
}

// Deps bundles the supervisor collaborators.
type Deps struct {
	Records  crawl.RecordStore
	Tracker  *status.Tracker
	Params   *status.ParamsStore
	Cron     *status.Cron
	Emitter  events.Emitter
	Clock    crawl.Clock
	Interval time.Duration
	Logger   *zap.Logger
}

// New creates a Supervisor writing restart signals to the queue server mailbox.
func New(d Deps) *Supervisor {
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Interval <= 0 {
		d.Interval = 300 * time.Second
	}
	return &Supervisor{
		records:  d.Records,
		tracker:  d.Tracker,
		params:   d.Params,
		cron:     d.Cron,
		mailbox:  status.QueueServerMailbox(d.Records),
		emitter:  d.Emitter,
		clock:    d.Clock,
		interval: d.Interval,
		logger:   d.Logger,
	}
}

// MaybeRestart issues a resume for crawlTime only when every signal agrees
// the coordinator died: the heartbeat marker moved past what the fetcher last
// saw, the status record names no crawl, the restart gate is due and the
// crawl's parameters still exist. It never stops anything.
func (s *Supervisor) MaybeRestart(ctx context.Context, crawlTime, checkCrawlTime crawl.Timestamp) (Decision, error) {
	if crawlTime == 0 {
		return DecisionNoCrawl, nil
	}
	mod, err := s.records.ModTime(ctx, crawl.IndexClosedName(crawlTime))
	if errors.Is(err, crawl.ErrNotFound) {
		return DecisionMarkerMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat index closed marker: %w", err)
	}
	if mod.Unix() <= int64(checkCrawlTime) {
		return DecisionMarkerStale, nil
	}
	current, err := s.tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return "", err
	}
	if current != 0 {
		return DecisionCrawlActive, nil
	}
	due, err := s.cron.Due(ctx, CronName, s.interval)
	if err != nil {
		return "", err
	}
	if !due {
		return DecisionNotDue, nil
	}
	params, err := s.params.Load(ctx, crawlTime)
	if errors.Is(err, crawl.ErrNotFound) {
		return DecisionNoParams, nil
	}
	if err != nil {
		return "", fmt.Errorf("load params for restart: %w", err)
	}

	msg := status.Message{
		Command:   status.CommandResume,
		CrawlTime: crawlTime,
		CrawlType: params.CrawlType,
		Params:    &params,
		IssuedAt:  s.clock.Now().UTC(),
	}
	if err := s.mailbox.Write(ctx, msg); err != nil {
		return "", err
	}
	s.logger.Warn("coordinator looks stalled, resume issued",
		zap.Int64("crawl_time", int64(crawlTime)),
		zap.Time("marker_mtime", mod),
		zap.Int64("check_crawl_time", int64(checkCrawlTime)),
	)
	s.emitter.Emit(events.Event{Kind: events.KindRestartIssued, CrawlTime: crawlTime})
	return DecisionRestarted, nil
}
