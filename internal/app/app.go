// Package app wires configuration into the running application.
//
// Setup builds every long-lived component of serve mode in dependency
// order: logger, tracing, database pool, stores, provider registry, tool
// registry, generation service, queue manager, and the HTTP server. The
// returned App owns their lifecycles; call Close to release them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skeinlabs/skein/db"
	"github.com/skeinlabs/skein/internal/api"
	"github.com/skeinlabs/skein/internal/config"
	"github.com/skeinlabs/skein/internal/database"
	"github.com/skeinlabs/skein/internal/generate"
	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/observability"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/provider/anthropic"
	"github.com/skeinlabs/skein/internal/provider/googleai"
	"github.com/skeinlabs/skein/internal/provider/openai"
	"github.com/skeinlabs/skein/internal/queue"
	"github.com/skeinlabs/skein/internal/thread"
	"github.com/skeinlabs/skein/internal/tools"
	"github.com/skeinlabs/skein/internal/usage"
)

// App is the serve-mode application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool      *pgxpool.Pool
	Threads   *thread.Store
	Jobs      *job.Store
	Usage     *usage.Store
	Providers *provider.Registry
	Tools     *tools.Registry
	Locks     *thread.LockManager
	Generate  *generate.Service
	Queue     *queue.Manager
	Server    *api.Server

	tracingShutdown func(context.Context) error
}

// Setup creates and initializes the application. On error everything
// already initialized is released; on success call Close.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})

	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	if cfg.Tracing.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Environment: cfg.Tracing.Environment,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.tracingShutdown = shutdown
	}

	pool, err := providePool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	a.Threads = thread.NewStore(pool, logger)
	a.Jobs = job.NewStore(pool, logger)
	a.Usage = usage.NewStore(pool, logger)

	registry, err := provideProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Providers = registry

	toolReg, err := provideTools()
	if err != nil {
		return nil, err
	}
	a.Tools = toolReg

	a.Locks = thread.NewLockManager()
	runner := tools.NewExecutor(toolReg, cfg.Generate.ToolTimeout, logger)

	a.Generate = generate.NewService(registry, a.Threads, a.Locks, toolReg, runner, a.Usage, logger, generate.Config{
		StreamBuffer:  cfg.Generate.StreamBuffer,
		MaxToolRounds: cfg.Generate.MaxToolRounds,
		IdleTimeout:   cfg.Generate.IdleTimeout,
	})

	a.Queue = queue.NewManager(a.Jobs, a.Generate, logger, queue.Config{
		AutoRetry:     cfg.Queue.AutoRetry,
		MaxRetries:    cfg.Queue.MaxRetries,
		Backoff:       provideBackoff(cfg.Queue.Backoff),
		StaleAfter:    cfg.Queue.StaleAfter,
		SweepInterval: cfg.Queue.SweepInterval,
		StreamBuffer:  cfg.Generate.StreamBuffer,
		Providers:     provideConcurrency(cfg),
	})

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Threads:     a.Threads,
		Jobs:        a.Jobs,
		Queue:       a.Queue,
		Generator:   a.Generate,
		Registry:    registry,
		Pool:        pool,
		CORSOrigins: cfg.Server.CORSOrigins,
		TrustProxy:  cfg.Server.TrustProxy,
		RateRPS:     cfg.Server.RateRPS,
		RateBurst:   cfg.Server.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// Close releases application resources. Safe to call on a partially
// initialized App. The queue manager is stopped by the serve loop before
// Close runs, so only passive resources remain here.
func (a *App) Close() error {
	if a.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracingShutdown(ctx); err != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
		a.tracingShutdown = nil
	}

	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
		a.Logger.Debug("database pool closed")
	}

	return nil
}

// providePool runs migrations and opens the verified connection pool.
func providePool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Database.URL, logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return pool, nil
}

// provideProviders registers an adapter for every enabled provider.
func provideProviders(ctx context.Context, cfg *config.Config, logger log.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	for _, name := range cfg.EnabledProviders() {
		p := cfg.Providers[name]

		var adapter any
		switch name {
		case config.ProviderOpenAI:
			adapter = openai.New(p.APIKey)
		case config.ProviderAnthropic:
			adapter = anthropic.New(p.APIKey)
		case config.ProviderGoogleAI:
			client, err := googleai.New(ctx, p.APIKey)
			if err != nil {
				return nil, fmt.Errorf("creating googleai client: %w", err)
			}
			adapter = client
		}

		if err := registry.Register(name, adapter, p.Model, p.Models); err != nil {
			return nil, fmt.Errorf("registering provider %s: %w", name, err)
		}
		for capability, model := range p.UseModels {
			if err := registry.SetUseDefault(name, capability, model); err != nil {
				return nil, fmt.Errorf("configuring provider %s: %w", name, err)
			}
		}
		logger.Info("provider enabled", "provider", name, "model", p.Model)
	}

	return registry, nil
}

// provideTools builds the tool registry with the builtins.
func provideTools() (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	return registry, nil
}

// provideBackoff maps the config backoff block onto the queue's curve.
func provideBackoff(b config.BackoffConfig) queue.Backoff {
	return queue.Backoff{
		Mode:   queue.BackoffMode(b.Mode),
		Base:   b.BaseDelay,
		Max:    b.MaxDelay,
		Jitter: b.Jitter,
	}
}

// provideConcurrency maps enabled providers to their session ceilings.
// Unset ceilings fall back to the queue default; a pre-seeded queue with
// ceiling zero would never dispatch.
func provideConcurrency(cfg *config.Config) map[string]int {
	ceilings := make(map[string]int)
	for _, name := range cfg.EnabledProviders() {
		mc := cfg.Providers[name].MaxConcurrent
		if mc <= 0 {
			mc = queue.DefaultMaxConcurrent
		}
		ceilings[name] = mc
	}
	return ceilings
}
