// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-coordinator/internal/api"
	"github.com/JakeFAU/crawl-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-coordinator/internal/config"
	"github.com/JakeFAU/crawl-coordinator/internal/coordinator"
	"github.com/JakeFAU/crawl-coordinator/internal/crawl"
	"github.com/JakeFAU/crawl-coordinator/internal/dispatcher"
	"github.com/JakeFAU/crawl-coordinator/internal/events"
	"github.com/JakeFAU/crawl-coordinator/internal/events/sinks"
	"github.com/JakeFAU/crawl-coordinator/internal/id/uuid"
	"github.com/JakeFAU/crawl-coordinator/internal/logging"
	"github.com/JakeFAU/crawl-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-coordinator/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-coordinator/internal/producer"
	memorypublisher "github.com/JakeFAU/crawl-coordinator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-coordinator/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-coordinator/internal/telemetry"
)

// Version is stamped into traces; set with -ldflags at build time.
var Version = "dev"

const sweepInterval = time.Hour

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	clock          crawl.Clock
	stores         *Stores
	eventHub       *events.Hub
	publisher      *gcppublisher.Publisher
	service        *coordinator.Service
	producer       *producer.Producer
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	tracerShutdown func(context.Context) error

	// registerer receives the event collectors; nil means the default.
	registerer prometheus.Registerer
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		LeaseBackend   string `json:"lease_backend"`
		StatusBackend  string `json:"status_backend"`
		FetcherShards  int    `json:"fetcher_shards"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		LeaseBackend:   cfg.Lease.Backend,
		StatusBackend:  cfg.Status.Backend,
		FetcherShards:  cfg.Coordinator.FetcherShards,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.producer.Reset(ctx); err != nil {
		return fmt.Errorf("reset crawl status: %w", err)
	}

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	readHeader := a.cfg.Server.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := logging.Sync(a.logger); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.TracingEnabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	metrics.Init()

	a.logger.Info("building application dependencies")
	a.stores, err = OpenStores(ctx, *cfg, a.clock, a.logger)
	if err != nil {
		return err
	}

	if err := a.setupEvents(ctx); err != nil {
		return err
	}

	st, err := NewState(*cfg, a.stores, a.eventHub, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("coordinator state init failed: %w", err)
	}
	a.service, err = coordinator.NewService(st)
	if err != nil {
		return fmt.Errorf("coordinator service init failed: %w", err)
	}
	a.producer, err = producer.New(st, a.logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("producer init failed: %w", err)
	}

	limiter, err := a.setupRateLimit()
	if err != nil {
		return err
	}
	a.apiServer = api.NewServer(a.service, limiter, a.clock, *cfg, a.logger.Named("api"))
	a.dispatch = a.setupDispatcher(st)
	return nil
}

func (a *App) setupEvents(ctx context.Context) error {
	cfg := a.cfg
	var sinkList []events.Sink
	if cfg.Events.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
		a.logger.Debug("Added event log sink")
	}
	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	var pub crawl.Publisher
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		pub = memorypublisher.NewBounded(1024)
	} else {
		a.publisher, err = gcppublisher.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return err
		}
		pub = a.publisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	}
	sinkList = append(sinkList, sinks.NewPublisherSink(pub, cfg.PubSub.TopicName, a.logger.Named("events_publisher")))

	hubCfg := events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.BatchSize,
		MaxBatchWait:   cfg.Events.BatchWait,
		SinkTimeout:    cfg.Events.SinkTimeout,
		Logger:         a.logger.Named("event_hub"),
		Clock:          a.clock,
		IDs:            uuid.New(),
	}
	a.eventHub = events.NewHub(hubCfg, sinkList...)
	a.logger.Info("event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupRateLimit() (*ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		a.logger.Info("fetcher rate limiting disabled")
		return nil, nil
	}
	limiter, err := ratelimit.New(ratelimit.Config{DefaultRPS: rl.RPS, DefaultBurst: rl.Burst, MaxKeys: rl.MaxKeys})
	if err != nil {
		return nil, fmt.Errorf("rate limiter init failed: %w", err)
	}
	a.logger.Info("fetcher rate limiting enabled",
		zap.Float64("rps", rl.RPS),
		zap.Int("burst", rl.Burst),
	)
	return limiter, nil
}

func (a *App) setupDispatcher(st *coordinator.State) *dispatcher.Dispatcher {
	maxAge := a.cfg.Coordinator.UploadMaxAge
	sweepLogger := a.logger.Named("upload_sweep")
	return dispatcher.New(a.logger.Named("dispatcher"),
		dispatcher.Task{
			Name:     "producer",
			Interval: a.cfg.Coordinator.ProducerInterval,
			Run:      a.producer.Run,
		},
		dispatcher.Task{
			Name:     "liveness",
			Interval: a.cfg.Coordinator.LivenessInterval,
			Run:      a.service.MaintainLiveness,
		},
		dispatcher.Task{
			Name:     "upload_sweep",
			Interval: sweepInterval,
			Run: func(ctx context.Context) error {
				if maxAge <= 0 {
					return nil
				}
				n, err := st.Uploads.Sweep(ctx, maxAge)
				if err != nil {
					return err
				}
				if n > 0 {
					sweepLogger.Info("dropped abandoned uploads", zap.Int("count", n))
				}
				inFlight, err := st.Uploads.InFlight()
				if err == nil {
					metrics.SetUploadsInFlight(inFlight)
				}
				return nil
			},
		},
	)
}
