// Package coordinator implements the fetch protocol: handing schedule and
// archive batches to fetchers, accepting their uploads and telling them which
// crawl is active. All shared state lives behind the collaborators bundled in
// State, so any number of coordinator processes can serve the same
// installation.
package coordinator

import (
	"errors"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
	"github.com/JakeFAU/crawl-coordinator/internal/supervisor"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

// LivenessCronName gates fetcher liveness maintenance in cron_times.txt.
const LivenessCronName = "fetcher_liveness"

// Config holds the protocol tunables.
type Config struct {
	MaxPostSize       int64
	ArchiveBatchSize  int
	MinFetchLoop      time.Duration
	MaxFetchLoop      time.Duration
	MaxProcessingTime time.Duration
	LivenessInterval  time.Duration
	FetcherStaleAfter time.Duration
	QueueServers      []string
	FetcherShards     int
}

// State bundles the collaborators every protocol operation and the producer
// share. Nothing in it is package-global.
type State struct {
	Config     Config
	Queue      crawl.BatchQueue
	Records    crawl.RecordStore
	Lease      crawl.Leaser
	Tracker    *status.Tracker
	Params     *status.ParamsStore
	Network    *status.Network
	Cron       *status.Cron
	Uploads    *upload.Reassembler
	Archives   *archive.Registry
	Supervisor *supervisor.Supervisor
	Events     events.Emitter
	Clock      crawl.Clock
	// Memory reports the process heap in use; defaults to runtime.MemStats.
	Memory func() uint64
	Logger *zap.Logger
}

// Validate fills defaults and checks required collaborators.
func (s *State) Validate() error {
	switch {
	case s.Queue == nil:
		return errors.New("coordinator: queue is required")
	case s.Records == nil:
		return errors.New("coordinator: record store is required")
	case s.Lease == nil:
		return errors.New("coordinator: leaser is required")
	case s.Tracker == nil || s.Params == nil || s.Network == nil || s.Cron == nil:
		return errors.New("coordinator: status components are required")
	case s.Uploads == nil:
		return errors.New("coordinator: upload reassembler is required")
	case s.Archives == nil:
		return errors.New("coordinator: archive registry is required")
	case s.Supervisor == nil:
		return errors.New("coordinator: restart supervisor is required")
	}
	if s.Events == nil {
		s.Events = events.Nop{}
	}
	if s.Clock == nil {
		s.Clock = system.New()
	}
	if s.Memory == nil {
		s.Memory = HeapInUse
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Config.ArchiveBatchSize <= 0 {
		s.Config.ArchiveBatchSize = 100
	}
	if s.Config.FetcherShards <= 0 {
		s.Config.FetcherShards = 1
	}
	if s.Config.MaxProcessingTime <= 0 {
		s.Config.MaxProcessingTime = 5 * time.Minute
	}
	if s.Config.LivenessInterval <= 0 {
		s.Config.LivenessInterval = 300 * time.Second
	}
	if s.Config.FetcherStaleAfter <= 0 {
		s.Config.FetcherStaleAfter = time.Hour
	}
	return nil
}

// HeapInUse reads the Go heap currently in use.
func HeapInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}
