// Package app assembles the job pipeline from configuration. Both binaries build
// the same graph and differ only in which loops they run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/genflow/internal/api"
	"github.com/kiranshivaraju/genflow/internal/api/handler"
	mw "github.com/kiranshivaraju/genflow/internal/api/middleware"
	"github.com/kiranshivaraju/genflow/internal/billing"
	"github.com/kiranshivaraju/genflow/internal/cache"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/dispatch"
	"github.com/kiranshivaraju/genflow/internal/executor"
	"github.com/kiranshivaraju/genflow/internal/jobs"
	"github.com/kiranshivaraju/genflow/internal/ledger"
	"github.com/kiranshivaraju/genflow/internal/provider"
	"github.com/kiranshivaraju/genflow/internal/provider/mock"
	"github.com/kiranshivaraju/genflow/internal/provider/queue"
	"github.com/kiranshivaraju/genflow/internal/realtime"
	"github.com/kiranshivaraju/genflow/internal/store"
	"github.com/kiranshivaraju/genflow/internal/watch"
)

// demoTick paces the mock provider's progress so local runs are watchable.
const demoTick = 400 * time.Millisecond

// Canceller is satisfied by both cancellation backends.
type Canceller interface {
	executor.CancelSource
	jobs.Canceller
}

// App holds the assembled components shared by the server and worker binaries.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Ledger      *ledger.Ledger
	Broadcaster realtime.Broadcaster
	Queue       dispatch.Queue
	Providers   *provider.Registry
	Cancels     Canceller
	Settler     billing.Settler

	redis   *cache.RedisCache
	checks  map[string]handler.HealthCheck
	closers []func() error
}

// Build connects every backend named by cfg. On error, whatever was already
// opened is closed before returning.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Providers: NewProviders(cfg.Provider, logger),
		checks:    map[string]handler.HealthCheck{},
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		a.redis, err = cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.ChannelPrefix)
		if err != nil {
			return nil, fmt.Errorf("create redis cache: %w", err)
		}
		a.closers = append(a.closers, a.redis.Close)
		if err := a.redis.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.checks["redis"] = a.redis.Ping
		logger.Info("redis connected")
	}

	switch cfg.Realtime.Backend {
	case config.RealtimeRedis:
		a.Broadcaster = realtime.NewRedisBroadcaster(a.redis.Client(), cfg.Redis.ChannelPrefix, cfg.Realtime.Buffer, logger)
	default:
		hub := realtime.NewHub(cfg.Realtime.Buffer, logger)
		a.closers = append(a.closers, hub.Close)
		a.Broadcaster = hub
	}

	a.Ledger = ledger.New(st, a.Broadcaster, logger, ledger.Options{PublishAttempts: cfg.Ledger.PublishAttempts})
	a.checks["ledger"] = a.Ledger.Ping

	switch cfg.Dispatch.Backend {
	case config.DispatchRabbitMQ:
		rq, err := dispatch.NewRabbitQueue(cfg.Dispatch.RabbitMQURL, cfg.Dispatch.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		a.closers = append(a.closers, rq.Close)
		a.checks["dispatch"] = func(context.Context) error { return rq.Ping() }
		a.Queue = rq
		logger.Info("rabbitmq connected", "queue", cfg.Dispatch.Queue)
	default:
		lq := dispatch.NewLocalQueue(0, logger)
		a.closers = append(a.closers, lq.Close)
		a.Queue = lq
	}

	if a.redis != nil {
		a.Cancels = a.redis
	} else {
		a.Cancels = executor.NewLocalCancels()
	}

	if cfg.Billing.URL != "" {
		a.Settler = billing.NewHTTPSettler(cfg.Billing.URL, cfg.Billing.Timeout)
	} else {
		a.Settler = billing.Noop{}
	}

	logger.Info("pipeline assembled",
		"ledger", cfg.Ledger.Backend,
		"realtime", cfg.Realtime.Backend,
		"dispatch", cfg.Dispatch.Backend,
		"provider", cfg.Provider.Backend,
		"models", a.Providers.Names(),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	if a.Config.Ledger.Backend == config.LedgerMemory {
		return store.NewMemoryStore(), nil
	}

	pool, err := store.Connect(ctx, a.Config.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.Logger.Info("database connected")

	if err := store.RunMigrations(a.Config.Database.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.Logger.Info("database migrations applied")
	return store.NewPostgresStore(pool), nil
}

// NewProviders registers one adapter per configured model name.
func NewProviders(cfg config.ProviderConfig, logger *slog.Logger) *provider.Registry {
	reg := provider.NewRegistry()
	var adapter provider.Adapter
	switch cfg.Backend {
	case config.ProviderMock:
		adapter = mock.NewDemoProvider(demoTick)
	default:
		adapter = queue.NewClient(cfg, logger)
	}
	for _, name := range cfg.Models {
		reg.Register(name, adapter)
	}
	return reg
}

// Executor builds the job executor over the app's ledger and providers.
func (a *App) Executor() *executor.Executor {
	return executor.New(a.Ledger, a.Providers, a.Settler, a.Cancels, a.Logger,
		executor.OptionsFromConfig(a.Config.Executor))
}

// Janitor builds the retention janitor.
func (a *App) Janitor() *ledger.Janitor {
	return ledger.NewJanitor(a.Ledger, a.Config.Ledger.RetentionMaxAge, a.Config.Ledger.RetentionInterval, a.Logger)
}

// Work consumes dispatched tasks with the configured concurrency until ctx is done.
func (a *App) Work(ctx context.Context) error {
	a.Logger.Info("executor pool started", "concurrency", a.Config.Dispatch.Concurrency)
	return a.Queue.Consume(ctx, a.Config.Dispatch.Concurrency, a.Executor().Handler())
}

// Router wires the HTTP API.
func (a *App) Router() http.Handler {
	svc := jobs.NewService(a.Ledger, a.Providers, a.Queue, a.Cancels, a.Logger, a.Config.API.MaxInputBytes)
	watcher := watch.New(a.Ledger, a.Broadcaster, a.Logger, watch.Options{
		StallTimeout: a.Config.Realtime.StallTimeout,
		Buffer:       a.Config.Realtime.Buffer,
	})
	heartbeat := a.Config.Realtime.Heartbeat

	deps := api.Dependencies{
		HealthHandler:      handler.NewHealthHandler(a.checks),
		SubmitJobHandler:   handler.NewSubmitJobHandler(svc),
		ListJobsHandler:    handler.NewListJobsHandler(svc),
		GetJobHandler:      handler.NewGetJobHandler(svc),
		CancelJobHandler:   handler.NewCancelJobHandler(svc),
		JobEventsHandler:   handler.NewJobEventsHandler(svc, watcher, heartbeat),
		OwnerEventsHandler: handler.NewOwnerEventsHandler(a.Broadcaster, heartbeat),
	}
	if a.redis != nil && a.Config.API.RateLimitPerMinute > 0 {
		deps.RateLimit = mw.NewRateLimit(a.redis, a.Config.API.RateLimitPerMinute)
	}
	return api.NewRouter(deps)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
