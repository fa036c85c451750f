package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metrics-pipeline/internal/api"
	"metrics-pipeline/internal/config"
	"metrics-pipeline/internal/entity"
	"metrics-pipeline/internal/fetcher"
	"metrics-pipeline/internal/logging"
	"metrics-pipeline/internal/normalizer"
	"metrics-pipeline/internal/ratelimit"
	"metrics-pipeline/internal/scheduler"
	"metrics-pipeline/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return store, store.Close, nil
}

func (a *App) loadRegistry(ctx context.Context, store storage.EntityStore) (*entity.Registry, error) {
	registry := entity.NewRegistry(store)
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load entity registry: %w", err)
	}
	return registry, nil
}

// newAdapter builds the REST adapter for one configured feed. The API key
// is read from the environment variable the feed names, never from config.
func (a *App) newAdapter(fc config.FeedConfig) fetcher.Adapter {
	return fetcher.NewHTTPFeed(fetcher.HTTPFeedOptions{
		Feed:         fc.Name,
		BaseURL:      fc.BaseURL,
		APIKey:       os.Getenv(fc.APIKeyEnv),
		Domain:       fc.Domain,
		Metrics:      fc.Metrics,
		MaxBatchSize: fc.MaxBatchSize,
		Timeout:      fc.CycleTimeout,
		UserAgent:    a.Config.App.Name,
	}, a.Logger)
}

func (a *App) newScheduler(writer storage.MetricWriter, boundary storage.BoundaryReader, pulls storage.PullLog, registry *entity.Registry) (*scheduler.Scheduler, error) {
	limiter, err := ratelimit.New(a.Config.RateLimit.Capacity, a.Config.RateLimit.RefillRate)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{
		PollInterval:    a.Config.Scheduler.PollInterval,
		GapLookback:     a.Config.Scheduler.GapLookback,
		GapScanInterval: a.Config.Scheduler.GapScanInterval,
		MaxWorkers:      a.Config.Scheduler.MaxWorkers,
		RetryAttempts:   a.Config.Scheduler.RetryAttempts,
		RetryBaseDelay:  a.Config.Scheduler.RetryBaseDelay,
		StartupGapScan:  a.Config.Scheduler.StartupGapScan,
	}, limiter, writer, boundary, pulls, registry, a.Logger)

	for _, fc := range a.Config.Feeds {
		granularity, err := storage.ParseGranularity(fc.Granularity)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", fc.Name, err)
		}
		sched.AddFeed(scheduler.Feed{
			Name:         fc.Name,
			Granularity:  granularity,
			Cadence:      scheduler.Cadence{Every: fc.CadenceEvery, At: fc.CadenceAt},
			CycleTimeout: fc.CycleTimeout,
			Assets:       fc.Assets,
		}, a.newAdapter(fc))
	}
	return sched, nil
}

func (a *App) newNormalizer(reader storage.SeriesReader, registry *entity.Registry) (*normalizer.Normalizer, error) {
	rules, err := normalizer.LoadRules(a.Config.Normalizer.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load metric rules: %w", err)
	}

	granularities := make(map[string]storage.Granularity, len(a.Config.Feeds))
	for _, fc := range a.Config.Feeds {
		g, err := storage.ParseGranularity(fc.Granularity)
		if err != nil {
			return nil, err
		}
		granularities[fc.Name] = g
	}
	return normalizer.New(rules, registry, reader, granularities), nil
}

// Run executes the long-running ingestion service: the scheduler loop and
// the query API side by side, under a database advisory lock so only one
// instance ingests at a time.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("another instance holds the ingestion lock")
	}
	defer unlock()

	registry, err := a.loadRegistry(ctx, store)
	if err != nil {
		return err
	}

	sched, err := a.newScheduler(store, store, store, registry)
	if err != nil {
		return err
	}

	norm, err := a.newNormalizer(store, registry)
	if err != nil {
		return err
	}
	server := api.NewServer(a.Config.API, a.Logger, store, store, store, registry, norm)

	a.Logger.Info().Int("feeds", len(a.Config.Feeds)).Msg("starting ingestion service")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sched.Run(groupCtx)
	})
	group.Go(func() error {
		return server.ListenAndServe(groupCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}
