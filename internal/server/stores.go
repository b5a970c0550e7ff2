package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/archive"
	"github.com/JakeFAU/crawl-coordinator/internal/config"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/status"
	gcsstorage "github.com/JakeFAU/crawl-coordinator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-coordinator/internal/storage/local"
	memoryStorage "github.com/JakeFAU/crawl-coordinator/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-coordinator/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/crawl-coordinator/internal/storage/sqlite"
	"github.com/JakeFAU/crawl-coordinator/internal/supervisor"
	"github.com/JakeFAU/crawl-coordinator/internal/upload"
)

// Stores holds the persistence backends selected by configuration.
type Stores struct {
	Records crawl.RecordStore
	Queue   crawl.BatchQueue
	Lease   crawl.Leaser
	Status  crawl.StatusStore

	closers []func() error
}

// OpenStores builds the record store, batch queue, archive lease and status
// store named by cfg.
func OpenStores(ctx context.Context, cfg config.Config, clock crawl.Clock, logger *zap.Logger) (*Stores, error) {
	s := &Stores{}
	if err := s.openStorage(ctx, cfg, clock, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.openLease(ctx, cfg, clock, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.openStatus(ctx, cfg, logger); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stores) openStorage(ctx context.Context, cfg config.Config, clock crawl.Clock, logger *zap.Logger) error {
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.Bucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("gcs store init failed: %w", err)
		}
		s.Records, s.Queue = store, gcsstorage.NewQueue(store, clock)
		logger.Info("using GCS storage backend",
			zap.String("bucket", cfg.Storage.Bucket),
			zap.String("prefix", cfg.Storage.Prefix),
		)
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Coordinator.WorkDir})
		if err != nil {
			return fmt.Errorf("local store init failed: %w", err)
		}
		s.Records, s.Queue = store, localstorage.NewQueue(store, clock)
		if cfg.Lease.Backend == config.BackendFile {
			s.Lease = localstorage.NewLeaser(store, clock)
		}
		logger.Info("using local storage backend", zap.String("path", cfg.Coordinator.WorkDir))
	default:
		s.Records, s.Queue = memoryStorage.NewRecordStore(clock), memoryStorage.NewQueue()
		logger.Info("using in-memory storage backend")
	}
	return nil
}

func (s *Stores) openLease(ctx context.Context, cfg config.Config, clock crawl.Clock, logger *zap.Logger) error {
	switch cfg.Lease.Backend {
	case config.BackendFile:
		if s.Lease == nil {
			return errors.New("file lease requires the local storage backend")
		}
		logger.Info("using file archive lease")
	case config.BackendSQLite:
		leaser, err := sqlitestore.Open(ctx, cfg.Lease.SQLitePath, clock)
		if err != nil {
			return fmt.Errorf("sqlite lease init failed: %w", err)
		}
		s.closers = append(s.closers, leaser.Close)
		s.Lease = leaser
		logger.Info("using sqlite archive lease", zap.String("path", cfg.Lease.SQLitePath))
	default:
		s.Lease = memoryStorage.NewLeaser(clock)
		logger.Info("using in-memory archive lease")
	}
	return nil
}

func (s *Stores) openStatus(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.Status.Backend != config.BackendPostgres {
		s.Status = status.NewRecordStatusStore(s.Records)
		return nil
	}
	store, err := pgstore.NewStatusStore(ctx, pgstore.StatusStoreConfig{
		DSN:             cfg.Status.DSN,
		Table:           cfg.Status.Table,
		Installation:    cfg.Status.Installation,
		MaxConns:        cfg.Status.MaxConns,
		MinConns:        cfg.Status.MinConns,
		MaxConnLifetime: cfg.Status.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("status store init failed: %w", err)
	}
	s.closers = append(s.closers, func() error {
		store.Close()
		return nil
	})
	s.Status = store
	logger.Info("using postgres status store", zap.String("table", cfg.Status.Table))
	return nil
}

// Close releases every backend in reverse order of opening.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// NewState assembles the coordinator collaborators over stores.
func NewState(
	cfg config.Config,
	stores *Stores,
	emitter events.Emitter,
	clock crawl.Clock,
	logger *zap.Logger,
) (*coordinator.State, error) {
	tracker := status.NewTracker(stores.Status, status.NameServerMailbox(stores.Records))
	params, err := status.NewParamsStore(stores.Records, cfg.Coordinator.ParamsCacheSize)
	if err != nil {
		return nil, err
	}
	cron := status.NewCron(stores.Records, clock)
	uploads, err := upload.New(
		upload.Config{TempDir: filepath.Join(cfg.Coordinator.WorkDir, "temp")},
		stores.Queue,
		clock,
		logger.Named("upload"),
	)
	if err != nil {
		return nil, err
	}
	st := &coordinator.State{
		Config: coordinator.Config{
			MaxPostSize:       cfg.Coordinator.MaxPostSize,
			ArchiveBatchSize:  cfg.Coordinator.ArchiveBatchSize,
			MinFetchLoop:      cfg.Coordinator.MinFetchLoop,
			MaxFetchLoop:      cfg.Coordinator.MaxFetchLoop,
			MaxProcessingTime: cfg.Coordinator.MaxProcessingTime,
			LivenessInterval:  cfg.Coordinator.LivenessInterval,
			FetcherStaleAfter: cfg.Coordinator.FetcherStaleAfter,
			QueueServers:      cfg.Coordinator.QueueServers,
			FetcherShards:     cfg.Coordinator.FetcherShards,
		},
		Queue:    stores.Queue,
		Records:  stores.Records,
		Lease:    stores.Lease,
		Tracker:  tracker,
		Params:   params,
		Network:  status.NewNetwork(stores.Records, clock),
		Cron:     cron,
		Uploads:  uploads,
		Archives: archive.NewRegistry(stores.Records, archive.Options{ChunkSize: cfg.Coordinator.ArchiveChunkSize}),
		Supervisor: supervisor.New(supervisor.Deps{
			Records:  stores.Records,
			Tracker:  tracker,
			Params:   params,
			Cron:     cron,
			Emitter:  emitter,
			Clock:    clock,
			Interval: cfg.Coordinator.CronInterval,
			Logger:   logger.Named("supervisor"),
		}),
		Events: emitter,
		Clock:  clock,
		Logger: logger.Named("coordinator"),
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// OpenService builds a coordinator service without background work, for
// one-shot commands. Events are dropped.
func OpenService(ctx context.Context, cfg config.Config, clock crawl.Clock, logger *zap.Logger) (*coordinator.Service, *Stores, error) {
	stores, err := OpenStores(ctx, cfg, clock, logger)
	if err != nil {
		return nil, nil, err
	}
	st, err := NewState(cfg, stores, events.Nop{}, clock, logger)
	if err != nil {
		_ = stores.Close()
		return nil, nil, err
	}
	svc, err := coordinator.NewService(st)
	if err != nil {
		_ = stores.Close()
		return nil, nil, err
	}
	return svc, stores, nil
}
