package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/codec"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
	"github.com/JakeFAU/crawl-coordinator/internal/supervisor"
	"github.com/JakeFAU/crawl-coordinator/internal/telemetry"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

// ScheduleRequest asks for the next FetchSchedule batch of a shard.
type ScheduleRequest struct {
	CrawlTime      crawl.Timestamp
	CheckCrawlTime crawl.Timestamp
	Shard          int
	Fetcher        string
}

// ArchiveRequest asks for the next batch of an archive crawl.
type ArchiveRequest struct {
	CrawlTime      crawl.Timestamp
	CheckCrawlTime crawl.Timestamp
	Fetcher        string
}

// UpdateRequest carries one upload part.
type UpdateRequest struct {
	Part              upload.Part
	FetcherPeakMemory uint64
	Fetcher           string
}

// CrawlTimeRequest polls for the active crawl. PriorCrawlTime is the crawl
// the fetcher last saw.
type CrawlTimeRequest struct {
	PriorCrawlTime    crawl.Timestamp
	FetcherPeakMemory uint64
	Fetcher           string
}

// Service implements the four fetch protocol operations. Protocol outcomes
// (no data, busy lease, checksum failures, bad archive references) are
// reported in the Envelope; a returned error means storage I/O failed.
type Service struct {
	st     *State
	tracer trace.Tracer
	logger *zap.Logger
}

// NewService validates st and creates a Service.
func NewService(st *State) (*Service, error) {
	if st == nil {
		return nil, errors.New("coordinator: state is required")
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return &Service{st: st, tracer: telemetry.Tracer(), logger: st.Logger}, nil
}

// State exposes the shared collaborators.
func (s *Service) State() *State { return s.st }

// Schedule claims the FetchSchedule slot of req.Shard. On a miss the restart
// supervisor gets a chance to run before NO_DATA is returned.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (env Envelope, err error) {
	ctx, span := s.start(ctx, "schedule", req.CrawlTime, req.Fetcher)
	defer func() { s.finish(span, "schedule", env, err) }()

	s.touch(ctx, req.Fetcher, 0)
	if req.Shard < 0 || req.Shard >= s.st.Config.FetcherShards {
		return noData(fmt.Sprintf("shard %d outside 0..%d", req.Shard, s.st.Config.FetcherShards-1)), nil
	}
	slot := crawl.Slot{Kind: crawl.KindFetchSchedule, CrawlTime: req.CrawlTime, Shard: req.Shard}
	data, err := s.st.Queue.TryDequeue(ctx, slot)
	if errors.Is(err, crawl.ErrNoBatch) {
		s.maybeRestart(ctx, req.CrawlTime, req.CheckCrawlTime)
		return noData(""), nil
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("claim fetch schedule: %w", err)
	}

	metrics.ObserveBatch("claim", string(crawl.KindFetchSchedule))
	s.st.Events.Emit(events.Event{
		Kind:      events.KindBatchClaimed,
		CrawlTime: req.CrawlTime,
		Fetcher:   req.Fetcher,
		BatchKind: crawl.KindFetchSchedule,
		Shard:     req.Shard,
		Bytes:     int64(len(data)),
	})
	shard := req.Shard
	return Envelope{
		Status:      StatusOK,
		Data:        data,
		CrawlTime:   timestampPtr(req.CrawlTime),
		Shard:       &shard,
		PostMaxSize: s.st.Config.MaxPostSize,
	}, nil
}

// ArchiveSchedule hands out the next batch of an archive crawl. At most one
// iteration step runs at a time across all processes: a held archive lease
// turns the request away with NO_DATA.
func (s *Service) ArchiveSchedule(ctx context.Context, req ArchiveRequest) (env Envelope, err error) {
	ctx, span := s.start(ctx, "archiveSchedule", req.CrawlTime, req.Fetcher)
	defer func() { s.finish(span, "archiveSchedule", env, err) }()
	defer func() { env.PostMaxSize = s.st.Config.MaxPostSize }()

	s.touch(ctx, req.Fetcher, 0)
	stopped, err := s.handleStop(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if stopped {
		metrics.ObserveArchiveRequest("stopped")
		return noData("crawl stopped"), nil
	}
	s.maybeRestart(ctx, req.CrawlTime, req.CheckCrawlTime)
	if req.CrawlTime == 0 {
		return noData("no crawl"), nil
	}
	current, err := s.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return Envelope{}, err
	}
	if current != req.CrawlTime {
		metrics.ObserveArchiveRequest("inactive")
		return noData("no crawl"), nil
	}

	params, err := s.st.Params.Load(ctx, req.CrawlTime)
	if errors.Is(err, crawl.ErrNotFound) {
		return noData("unknown crawl"), nil
	}
	if err != nil {
		return Envelope{}, err
	}
	if params.CrawlType != crawl.CrawlTypeArchive {
		return noData("not an archive crawl"), nil
	}

	token, ok, err := s.st.Lease.Acquire(ctx, crawl.ArchiveLeaseName, s.st.Config.MaxProcessingTime)
	if err != nil {
		return Envelope{}, fmt.Errorf("acquire archive lease: %w", err)
	}
	if !ok {
		metrics.ObserveLeaseContention()
		metrics.ObserveArchiveRequest("busy")
		return noData("archive busy"), nil
	}
	defer func() {
		if relErr := s.st.Lease.Release(context.WithoutCancel(ctx), crawl.ArchiveLeaseName, token); relErr != nil {
			s.logger.Error("release archive lease", zap.Error(relErr))
		}
	}()

	ref := archive.Reference{Type: params.ArchiveType, Path: params.ArchivePath}
	cursor, err := archive.Open(ctx, s.st.Archives, s.st.Clock, req.CrawlTime, ref)
	var ce *archive.ConstructionError
	if errors.As(err, &ce) {
		s.logger.Warn("archive construction failed", zap.String("ref", ce.Ref.String()), zap.Error(ce.Err))
		metrics.ObserveArchiveRequest("error")
		out := noData("")
		out.ArchiveBundleError = ce.Error()
		return out, nil
	}
	if err != nil {
		return Envelope{}, err
	}
	if cursor.Done() {
		metrics.ObserveArchiveRequest("end")
		out := noData("")
		out.EndIterator = true
		return out, nil
	}

	out, items, err := s.nextArchiveBatch(ctx, cursor)
	if err != nil {
		return Envelope{}, err
	}
	out.CrawlTime = timestampPtr(req.CrawlTime)
	if items > 0 {
		metrics.ObserveArchiveRequest("batch")
		s.st.Events.Emit(events.Event{
			Kind:      events.KindArchiveBatch,
			CrawlTime: req.CrawlTime,
			Fetcher:   req.Fetcher,
			Items:     items,
			Bytes:     int64(len(out.Data)),
		})
	}
	if cursor.Done() {
		out.EndIterator = true
		s.st.Events.Emit(events.Event{
			Kind:      events.KindArchiveEnd,
			CrawlTime: req.CrawlTime,
			Items:     int(cursor.Returned()),
		})
		if items == 0 {
			metrics.ObserveArchiveRequest("end")
		}
	}
	return out, nil
}

func (s *Service) nextArchiveBatch(ctx context.Context, cursor *archive.Cursor) (Envelope, int, error) {
	if cursor.SupportsChunks() {
		chunk, err := cursor.NextChunk(ctx)
		if err != nil {
			return Envelope{}, 0, err
		}
		if len(chunk) == 0 {
			return noData(""), 0, nil
		}
		return Envelope{Status: StatusOK, Data: codec.Compress(chunk), Chunk: true}, 1, nil
	}
	recs, err := cursor.NextBatch(ctx, s.st.Config.ArchiveBatchSize)
	if err != nil {
		return Envelope{}, 0, err
	}
	if len(recs) == 0 {
		return noData(""), 0, nil
	}
	data, err := codec.EncodeRecords(recs)
	if err != nil {
		return Envelope{}, 0, err
	}
	return Envelope{Status: StatusOK, Data: data}, len(recs), nil
}

// Update accepts one upload part and raises the memory peaks.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (env Envelope, err error) {
	ctx, span := s.start(ctx, "update", req.Part.CrawlTime, req.Fetcher)
	defer func() { s.finish(span, "update", env, err) }()

	s.touch(ctx, req.Fetcher, req.FetcherPeakMemory)
	if req.FetcherPeakMemory > 0 {
		if _, err := s.st.Tracker.RecordFetcherMemory(ctx, req.FetcherPeakMemory); err != nil {
			return Envelope{}, err
		}
	}
	heap := s.st.Memory()
	if _, err := s.st.Tracker.RecordWebappMemory(ctx, heap); err != nil {
		return Envelope{}, err
	}
	current, err := s.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return Envelope{}, err
	}

	part := req.Part
	if part.CrawlTime == 0 {
		part.CrawlTime = current
	}
	if part.Origin == "" {
		part.Origin = req.Fetcher
	}
	res, err := s.st.Uploads.Accept(ctx, part)
	if errors.Is(err, crawl.ErrInvalidPart) {
		res = upload.Result{Status: upload.StatusRedo, Summary: err.Error()}
	} else if err != nil {
		return Envelope{}, err
	}
	s.afterUpload(part, req.Fetcher, res)

	// A completed upload is reported to the fetcher as CONTINUE.
	wire := res.Status
	if wire == upload.StatusDone {
		wire = upload.StatusContinue
	}
	return Envelope{
		Status:      string(wire),
		Summary:     res.Summary,
		MemoryUsage: heap,
		PostMaxSize: s.st.Config.MaxPostSize,
		CrawlTime:   timestampPtr(current),
	}, nil
}

func (s *Service) afterUpload(part upload.Part, fetcher string, res upload.Result) {
	metrics.ObserveUploadPart(string(res.Status))
	if n, err := s.st.Uploads.InFlight(); err == nil {
		metrics.SetUploadsInFlight(n)
	}
	switch res.Status {
	case upload.StatusRedo, upload.StatusRestart:
		s.logger.Info("upload part rejected",
			zap.String("fetcher", fetcher),
			zap.String("hash", part.PayloadHash),
			zap.String("summary", res.Summary),
		)
		s.st.Events.Emit(events.Event{
			Kind:      events.KindUploadRejected,
			CrawlTime: part.CrawlTime,
			Fetcher:   fetcher,
			Note:      res.Summary,
		})
	case upload.StatusDone:
		for kind, n := range res.Segments {
			metrics.ObserveBatch("enqueue", string(kind))
			s.st.Events.Emit(events.Event{
				Kind:      events.KindBatchEnqueued,
				CrawlTime: part.CrawlTime,
				Fetcher:   fetcher,
				BatchKind: kind,
				Bytes:     int64(n),
			})
		}
		s.st.Events.Emit(events.Event{
			Kind:      events.KindUploadCompleted,
			CrawlTime: part.CrawlTime,
			Fetcher:   fetcher,
			Items:     len(res.Segments),
			Bytes:     res.Received,
		})
	}
}

// CrawlTime reports the active crawl. Parameters and classifier models are
// only sent when the crawl differs from the one the fetcher last saw.
func (s *Service) CrawlTime(ctx context.Context, req CrawlTimeRequest) (env Envelope, err error) {
	ctx, span := s.start(ctx, "crawlTime", req.PriorCrawlTime, req.Fetcher)
	defer func() { s.finish(span, "crawlTime", env, err) }()

	s.touch(ctx, req.Fetcher, req.FetcherPeakMemory)
	if err := s.MaintainLiveness(ctx); err != nil {
		s.logger.Error("fetcher liveness maintenance", zap.Error(err))
	}
	if _, err := s.st.Tracker.RecordWebappMemory(ctx, s.st.Memory()); err != nil {
		return Envelope{}, err
	}
	rec, err := s.st.Tracker.Load(ctx)
	if err != nil {
		return Envelope{}, err
	}
	saved, err := s.st.Params.SavedCrawlTimes(ctx)
	if err != nil {
		return Envelope{}, err
	}
	out := Envelope{
		Status:          StatusOK,
		CrawlTime:       timestampPtr(rec.CrawlTime),
		CrawlType:       rec.CrawlType,
		QueueServers:    append([]string{}, s.st.Config.QueueServers...),
		SavedCrawlTimes: append([]crawl.Timestamp{}, saved...),
		PostMaxSize:     s.st.Config.MaxPostSize,
	}
	inFlight, err := s.st.Uploads.InFlight()
	if err != nil {
		return Envelope{}, err
	}
	if inFlight > 0 {
		out.MinFetchLoopTime = MinFetchLoop(s.st.Config.MinFetchLoop, s.st.Config.MaxFetchLoop, inFlight).Seconds()
	}

	if rec.CrawlTime == 0 || rec.CrawlTime == req.PriorCrawlTime {
		return out, nil
	}
	params, err := s.st.Params.Load(ctx, rec.CrawlTime)
	if errors.Is(err, crawl.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return Envelope{}, err
	}
	out.CrawlParams = &params
	if len(params.Classifiers) > 0 {
		models, missing, err := s.st.Params.Classifiers(ctx, params.Classifiers)
		if err != nil {
			return Envelope{}, err
		}
		if len(missing) > 0 {
			s.logger.Warn("active classifiers missing", zap.Strings("classifiers", missing))
		}
		if len(models) > 0 {
			out.Classifiers = models
		}
	}
	return out, nil
}

// MinFetchLoop scales the minimum fetch loop delay by the number of uploads
// in flight, capped at maxLoop.
func MinFetchLoop(minLoop, maxLoop time.Duration, inFlight int) time.Duration {
	d := minLoop * time.Duration(1+inFlight)
	if maxLoop > 0 && d > maxLoop {
		return maxLoop
	}
	return d
}

// MaintainLiveness prunes stale fetchers when the liveness cron is due.
func (s *Service) MaintainLiveness(ctx context.Context) error {
	due, err := s.st.Cron.Due(ctx, LivenessCronName, s.st.Config.LivenessInterval)
	if err != nil || !due {
		return err
	}
	stale, err := s.st.Network.Prune(ctx, s.st.Config.FetcherStaleAfter)
	if err != nil {
		return err
	}
	for _, fetcher := range stale {
		s.st.Events.Emit(events.Event{Kind: events.KindFetcherStale, Fetcher: fetcher})
	}
	if len(stale) > 0 {
		s.logger.Info("pruned stale fetchers", zap.Strings("fetchers", stale))
	}
	return nil
}

// handleStop runs the stop procedure when a STOP message is waiting.
func (s *Service) handleStop(ctx context.Context) (bool, error) {
	stop, err := s.st.Tracker.IsStopRequested(ctx)
	if err != nil || !stop {
		return false, err
	}
	current, err := s.st.Tracker.CurrentCrawlTime(ctx)
	if err != nil {
		return false, err
	}
	if err := status.Stop(ctx, s.st.Tracker, s.st.Records, current); err != nil {
		return false, err
	}
	s.logger.Info("crawl stopped", zap.Int64("crawl_time", int64(current)))
	s.st.Events.Emit(events.Event{Kind: events.KindCrawlStopped, CrawlTime: current})
	return true, nil
}

func (s *Service) maybeRestart(ctx context.Context, crawlTime, check crawl.Timestamp) {
	d, err := s.st.Supervisor.MaybeRestart(ctx, crawlTime, check)
	if err != nil {
		s.logger.Error("restart check failed", zap.Error(err))
		return
	}
	if d == supervisor.DecisionRestarted {
		metrics.ObserveRestart()
	}
}

func (s *Service) touch(ctx context.Context, fetcher string, mem uint64) {
	if err := s.st.Network.Touch(ctx, fetcher, mem); err != nil {
		s.logger.Warn("record fetcher liveness", zap.String("fetcher", fetcher), zap.Error(err))
	}
}

func (s *Service) start(ctx context.Context, activity string, ts crawl.Timestamp, fetcher string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "fetch."+activity, trace.WithAttributes(
		attribute.Int64("crawl.time", int64(ts)),
		attribute.String("fetcher.id", fetcher),
	))
}

func (s *Service) finish(span trace.Span, activity string, env Envelope, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveProtocol(activity, "error")
		return
	}
	span.SetAttributes(attribute.String("envelope.status", env.Status))
	metrics.ObserveProtocol(activity, env.Status)
}

// DecodeArchiveData reverses the DATA encoding of an archive envelope.
func DecodeArchiveData(env Envelope) ([]json.RawMessage, error) {
	if env.Chunk {
		raw, err := codec.Decompress(env.Data)
		if err != nil {
			return nil, err
		}
		line, err := json.Marshal(string(raw))
		if err != nil {
			return nil, fmt.Errorf("encode chunk: %w", err)
		}
		return []json.RawMessage{line}, nil
	}
	return codec.DecodeRecords(env.Data)
}
