// Package producer runs the queue-server side of a crawl: it applies admin
// messages, splits uploaded schedules into per-shard fetch batches and keeps
// the heartbeat marker the restart supervisor watches.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/codec"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-coordinator/internal/partition"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
)

// Outcome summarizes one Step.
type Outcome string

// Step outcomes.
const (
	OutcomeIdle     Outcome = "idle"
	OutcomeWaiting  Outcome = "waiting"
	OutcomeNoWork   Outcome = "no_work"
	OutcomeProduced Outcome = "produced"
	OutcomeCorrupt  Outcome = "corrupt"
	OutcomeArchive  Outcome = "archive"
)

const origin = "producer"

// Producer advances the active crawl one step at a time.
type Producer struct {
	st          *coordinator.State
	nameServer  *status.Mailbox
	queueServer *status.Mailbox
	logger      *zap.Logger
}

// New creates a Producer over st.
func New(st *coordinator.State, logger *zap.Logger) (*Producer, error) {
	if st == nil {
		return nil, errors.New("producer: state is required")
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		st:          st,
		nameServer:  status.NameServerMailbox(st.Records),
		queueServer: status.QueueServerMailbox(st.Records),
		logger:      logger,
	}, nil
}

// Reset clears the active crawl on startup. A crawl interrupted by a crash is
// only picked up again through a resume message.
func (p *Producer) Reset(ctx context.Context) error {
	current, err := p.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return nil
	}
	p.logger.Info("clearing crawl left over from previous run", zap.Int64("crawl_time", int64(current)))
	return p.st.Tracker.ClearCrawlTime(ctx)
}

// Run is Step shaped for the dispatcher.
func (p *Producer) Run(ctx context.Context) error {
	_, err := p.Step(ctx)
	return err
}

// Step applies pending messages and, for an active web crawl whose fetch
// slots are all empty, turns one uploaded schedule into per-shard batches.
func (p *Producer) Step(ctx context.Context) (out Outcome, err error) {
	defer func() {
		if err != nil {
			metrics.ObserveProducerStep("error")
			return
		}
		metrics.ObserveProducerStep(string(out))
	}()

	if err := p.applyMessages(ctx); err != nil {
		return "", err
	}
	rec, err := p.st.Tracker.Load(ctx)
	if err != nil {
		return "", err
	}
	if rec.CrawlTime == 0 {
		return OutcomeIdle, nil
	}
	ts := rec.CrawlTime
	defer func() {
		if err == nil {
			err = p.heartbeat(ctx, ts)
		}
	}()

	params, err := p.st.Params.Load(ctx, ts)
	if errors.Is(err, crawl.ErrNotFound) {
		p.logger.Warn("active crawl has no parameters", zap.Int64("crawl_time", int64(ts)))
		return OutcomeIdle, nil
	}
	if err != nil {
		return "", err
	}
	if params.CrawlType == crawl.CrawlTypeArchive {
		return OutcomeArchive, nil
	}
	return p.produce(ctx, params)
}

func (p *Producer) produce(ctx context.Context, params status.CrawlParams) (Outcome, error) {
	ts := params.CrawlTime
	shards := p.st.Config.FetcherShards
	for shard := 0; shard < shards; shard++ {
		n, err := p.st.Queue.Len(ctx, crawl.Slot{Kind: crawl.KindFetchSchedule, CrawlTime: ts, Shard: shard})
		if err != nil {
			return "", err
		}
		if n > 0 {
			return OutcomeWaiting, nil
		}
	}

	data, err := p.st.Queue.TryDequeue(ctx, crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: ts})
	if errors.Is(err, crawl.ErrNoBatch) {
		return OutcomeNoWork, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim schedule: %w", err)
	}
	metrics.ObserveBatch("claim", string(crawl.KindSchedule))
	batch, err := codec.DecodeBatch(data)
	if err != nil {
		p.logger.Warn("dropping undecodable schedule", zap.Int("bytes", len(data)), zap.Error(err))
		return OutcomeCorrupt, nil
	}

	items := batch.Items
	if params.MaxDepth > 0 {
		kept := items[:0]
		for _, it := range items {
			if it.Depth <= params.MaxDepth {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	parts := partition.Split(items, func(it crawl.Item) string { return partition.HostKey(it.URL) }, shards)
	for shard, part := range parts {
		if len(part) == 0 {
			continue
		}
		if err := p.enqueueShard(ctx, ts, shard, part); err != nil {
			return "", err
		}
	}
	return OutcomeProduced, nil
}

func (p *Producer) enqueueShard(ctx context.Context, ts crawl.Timestamp, shard int, items []crawl.Item) error {
	payload, err := codec.EncodeBatch(crawl.Batch{CrawlTime: ts, Items: items})
	if err != nil {
		return err
	}
	slot := crawl.Slot{Kind: crawl.KindFetchSchedule, CrawlTime: ts, Shard: shard}
	err = p.st.Queue.Enqueue(ctx, slot, origin, payload)
	if errors.Is(err, crawl.ErrSlotOccupied) {
		// Another producer filled the slot since the emptiness check.
		p.logger.Info("fetch slot taken, returning items to schedule", zap.Int("shard", shard))
		return p.st.Queue.Enqueue(ctx, crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: ts}, origin, payload)
	}
	if err != nil {
		return fmt.Errorf("enqueue shard %d: %w", shard, err)
	}
	metrics.ObserveBatch("enqueue", string(crawl.KindFetchSchedule))
	p.st.Events.Emit(events.Event{
		Kind:      events.KindBatchEnqueued,
		CrawlTime: ts,
		BatchKind: crawl.KindFetchSchedule,
		Shard:     shard,
		Items:     len(items),
		Bytes:     int64(len(payload)),
	})
	return nil
}

func (p *Producer) heartbeat(ctx context.Context, ts crawl.Timestamp) error {
	now := strconv.FormatInt(p.st.Clock.Now().Unix(), 10)
	if err := p.st.Records.Put(ctx, crawl.IndexClosedName(ts), []byte(now)); err != nil {
		return fmt.Errorf("touch index closed marker: %w", err)
	}
	return nil
}

func (p *Producer) applyMessages(ctx context.Context) error {
	msg, ok, err := p.nameServer.Read(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := p.apply(ctx, msg); err != nil {
			return err
		}
	}

	msg, ok, err = p.queueServer.Read(ctx)
	if err != nil || !ok {
		return err
	}
	if msg.Command != status.CommandResume {
		p.logger.Warn("ignoring queue server message", zap.String("command", string(msg.Command)))
		return p.queueServer.Delete(ctx)
	}
	current, err := p.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		if err := p.resume(ctx, msg.CrawlTime); err != nil {
			return err
		}
	}
	return p.queueServer.Delete(ctx)
}

func (p *Producer) apply(ctx context.Context, msg status.Message) error {
	if err := msg.Validate(); err != nil {
		p.logger.Warn("discarding invalid message", zap.String("command", string(msg.Command)), zap.Error(err))
		return p.nameServer.Delete(ctx)
	}
	switch msg.Command {
	case status.CommandStart:
		if err := p.start(ctx, *msg.Params); err != nil {
			return err
		}
	case status.CommandResume:
		if err := p.resume(ctx, msg.CrawlTime); err != nil {
			return err
		}
	case status.CommandStop:
		current, err := p.st.Tracker.CurrentCrawlTime(ctx)
		if err != nil {
			return err
		}
		if err := status.Stop(ctx, p.st.Tracker, p.st.Records, current); err != nil {
			return err
		}
		p.logger.Info("crawl stopped", zap.Int64("crawl_time", int64(current)))
		p.st.Events.Emit(events.Event{Kind: events.KindCrawlStopped, CrawlTime: current})
		return nil
	}
	return p.nameServer.Delete(ctx)
}

func (p *Producer) start(ctx context.Context, params status.CrawlParams) error {
	if err := p.st.Params.Save(ctx, params); err != nil {
		return err
	}
	ts := params.CrawlTime
	if params.CrawlType == crawl.CrawlTypeWeb {
		batch := crawl.Batch{CrawlTime: ts}
		for _, site := range params.SeedSites {
			batch.Items = append(batch.Items, crawl.Item{URL: site})
		}
		payload, err := codec.EncodeBatch(batch)
		if err != nil {
			return err
		}
		if err := p.st.Queue.Enqueue(ctx, crawl.Slot{Kind: crawl.KindSchedule, CrawlTime: ts}, origin, payload); err != nil {
			return fmt.Errorf("seed schedule: %w", err)
		}
	}
	if err := p.st.Tracker.SetCrawl(ctx, ts, params.CrawlType); err != nil {
		return err
	}
	if err := p.heartbeat(ctx, ts); err != nil {
		return err
	}
	p.logger.Info("crawl started",
		zap.Int64("crawl_time", int64(ts)),
		zap.String("crawl_type", string(params.CrawlType)),
		zap.Int("seed_sites", len(params.SeedSites)),
	)
	p.st.Events.Emit(events.Event{
		Kind:      events.KindCrawlStarted,
		CrawlTime: ts,
		Items:     len(params.SeedSites),
		Note:      params.Description,
	})
	return nil
}

func (p *Producer) resume(ctx context.Context, ts crawl.Timestamp) error {
	params, err := p.st.Params.Load(ctx, ts)
	if errors.Is(err, crawl.ErrNotFound) {
		p.logger.Warn("cannot resume crawl without parameters", zap.Int64("crawl_time", int64(ts)))
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.st.Tracker.SetCrawl(ctx, ts, params.CrawlType); err != nil {
		return err
	}
	if err := p.heartbeat(ctx, ts); err != nil {
		return err
	}
	p.logger.Info("crawl resumed", zap.Int64("crawl_time", int64(ts)))
	p.st.Events.Emit(events.Event{Kind: events.KindCrawlResumed, CrawlTime: ts})
	return nil
}
