// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresstree/internal/api"
	"github.com/JakeFAU/progresstree/internal/clock/system"
	"github.com/JakeFAU/progresstree/internal/config"
	"github.com/JakeFAU/progresstree/internal/id/uuid"
	"github.com/JakeFAU/progresstree/internal/jobs"
	"github.com/JakeFAU/progresstree/internal/metrics"
	"github.com/JakeFAU/progresstree/internal/progress"
	progresssinks "github.com/JakeFAU/progresstree/internal/progress/sinks"
	memoryStorage "github.com/JakeFAU/progresstree/internal/storage/memory"
	pgstore "github.com/JakeFAU/progresstree/internal/storage/postgres"
	"github.com/JakeFAU/progresstree/internal/store"
	"github.com/JakeFAU/progresstree/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Version is reported as the service version on traces.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	registry     *prometheus.Registry
	progressHub  *progress.Hub
	progressRepo store.ProgressRepository
	pgStore      *pgstore.ProgressStore
	runner       *jobs.Runner
	apiServer    *api.Server

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. Jobs submitted over HTTP run
// under ctx.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	if cfg.Metrics.Enabled {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	tracerShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tracerShutdown

	if err := app.setupDatabase(ctx); err != nil {
		app.closeObservability(ctx)
		return nil, err
	}
	if err := app.setupProgress(ctx); err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability(ctx)
		return nil, err
	}

	app.runner = jobs.NewRunner(app.progressHub, uuid.New(), system.New(), logger.Named("jobs"))

	deps := api.Deps{
		Repo:       app.progressRepo,
		Submitter:  app.runner,
		JobContext: ctx,
		MaxWorkers: cfg.Jobs.Workers,
		Logger:     logger.Named("api"),
	}
	if app.pgStore != nil {
		deps.Ready = app.pgStore.Ping
	}
	if app.registry != nil {
		httpMetrics, err := metrics.NewHTTP(app.registry)
		if err != nil {
			app.closeInfrastructure(ctx)
			app.closeObservability(ctx)
			return nil, fmt.Errorf("http metrics init failed: %w", err)
		}
		deps.Gatherer = app.registry
		deps.Metrics = httpMetrics
	}
	app.apiServer = api.NewServer(deps)
	return app, nil
}

// Runner exposes the job runner for in-process callers.
func (a *App) Runner() *jobs.Runner {
	return a.runner
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, using in-memory progress repository")
		a.progressRepo = memoryStorage.NewProgressStore()
		return nil
	}
	pg, err := pgstore.NewProgressStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns), //nolint:gosec // validated > 0 and small
	})
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("progress store migrate failed: %w", err)
	}
	a.pgStore = pg
	a.progressRepo = pg
	a.logger.Info("postgres progress repository initialized", zap.Int("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.progressRepo, a.logger.Named("progress_store")),
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
	}
	if a.registry != nil {
		promSink, err := progresssinks.NewPrometheusSink(a.registry)
		if err != nil {
			return fmt.Errorf("progress metrics init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	hubCfg := progress.HubConfig{
		BufferSize:     a.cfg.Hub.BufferSize,
		MaxBatchEvents: a.cfg.Hub.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Hub.BatchWait(),
		SinkTimeout:    a.cfg.Hub.SinkTimeout(),
		// Sinks must keep flushing while the hub drains after ctx is canceled.
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", a.cfg.Hub.BufferSize),
		zap.Int("max_batch_events", a.cfg.Hub.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

// Run serves HTTP and blocks until ctx is canceled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close waits for in-flight jobs, drains the progress hub and releases the
// database pool.
func (a *App) Close(ctx context.Context) error {
	if a.runner != nil {
		a.runner.Wait()
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped during run", zap.Int64("dropped", dropped))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
