package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"mktcast/internal/config"
	"mktcast/internal/estimator"
	"mktcast/internal/fetcher"
	"mktcast/internal/metrics"
	"mktcast/internal/scheduler"
	"mktcast/internal/service"
	"mktcast/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSource() fetcher.Source {
	return fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:   a.Config.Source.BaseURL,
		Timeout:   a.Config.Source.RequestTimeout,
		UserAgent: a.Config.Source.UserAgent,
	}, a.Logger)
}

func (a *App) newEstimator() estimator.Estimator {
	if a.Config.Estimator.Kind == "http" {
		return estimator.NewHTTP(estimator.HTTPOptions{
			BaseURL:   a.Config.Estimator.BaseURL,
			Model:     a.Config.Estimator.Model,
			Timeout:   a.Config.Estimator.RequestTimeout,
			UserAgent: a.Config.Estimator.UserAgent,
			Attempts:  a.Config.Estimator.Attempts,
			Backoff:   a.Config.Estimator.Backoff,
		}, a.Logger)
	}
	return estimator.NewNaive(nil)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// pipelineStore opens PostgreSQL, or an in-memory store for dry runs.
func (a *App) pipelineStore(ctx context.Context, dryRun bool) (service.Store, func(), error) {
	if dryRun {
		a.Logger.Warn().Msg("dry-run: results are kept in memory and discarded")
		return storage.NewMemory(nil), func() {}, nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; pass --dry-run to run in memory")
	}
	return store, closeStore, nil
}

func (a *App) newService(store service.Store, sched *scheduler.Scheduler, rec metrics.Recorder) (*service.Service, error) {
	return service.New(a.Config, sched, a.newSource(), a.newEstimator(), store, rec, a.Logger)
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.pipelineStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	var rec metrics.Recorder = metrics.Noop{}
	if a.Config.Metrics.Enabled {
		prom := metrics.NewPrometheus(a.Config.Metrics.Namespace)
		stop := a.serveMetrics(prom)
		defer stop()
		rec = prom
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		Offset:         a.Config.Scheduler.Offset,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)

	svc, err := a.newService(store, sched, rec)
	if err != nil {
		return err
	}

	a.Logger.Info().Strs("symbols", a.Config.Pipeline.Symbols).Msg("starting pipeline service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

func (a *App) serveMetrics(prom *metrics.Prometheus) func() {
	mux := http.NewServeMux()
	mux.Handle(a.Config.Metrics.Path, prom.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Migrate applies the schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot migrate")
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema is up to date")
	return nil
}

// IngestOptions configure the ingest command.
type IngestOptions struct {
	Symbols []string
	From    time.Time
	To      time.Time
	DryRun  bool
	Workers int
}

// EstimateOptions configure the estimate command.
type EstimateOptions struct {
	Symbols []string
}

// ExportOptions hold parameters for exporting the unified view.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
	Limit  int
}

// PreviewOptions configure an in-memory pipeline cycle.
type PreviewOptions struct {
	Symbols []string
	Days    int
	Limit   int
}
