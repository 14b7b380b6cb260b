package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sellerhub/sellerhub/api"
	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/internaldata"
	"github.com/sellerhub/sellerhub/runners"
	"github.com/sellerhub/sellerhub/store"
)

// App is the assembled control plane: repositories, registry and the
// orchestrator, shared by every serve subcommand.
type App struct {
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Registry     *ingest.Registry
	Orchestrator *ingest.Orchestrator

	Runs        *store.Runs
	Schedules   *store.Schedules
	Connections *store.Connections
	Internal    *store.InternalData
	Reports     *store.Reports
	Importer    *internaldata.Service
}

// Build connects Postgres (and Redis when configured) and wires every
// repository, runner and the orchestrator.
func Build(ctx context.Context, cfg Config, dataDir string) (*App, error) {
	pool, err := store.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	var app = &App{
		Pool:        pool,
		Runs:        store.NewRuns(pool),
		Schedules:   store.NewSchedules(pool),
		Connections: store.NewConnections(pool, nil),
		Internal:    store.NewInternalData(pool),
		Reports:     store.NewReports(pool),
	}
	app.Importer = internaldata.NewService(app.Internal, dataDir)

	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
	}

	app.Registry = ingest.NewRegistry()
	runners.RegisterAll(app.Registry, &runners.Deps{
		Connections: app.Connections,
		Products:    store.NewProducts(pool),
		Snapshots:   store.NewSnapshots(pool),
		Showcase:    store.NewShowcase(pool),
		Finance:     store.NewFinance(pool),
		Internal:    app.Internal,
		Importer:    app.Importer,
	})
	app.Orchestrator = &ingest.Orchestrator{
		Registry:  app.Registry,
		Runs:      app.Runs,
		Schedules: app.Schedules,
	}
	return app, nil
}

// Close releases the app's connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Pool.Close()
}

// APIServer builds the HTTP surface over the app.
func (a *App) APIServer() *api.Server {
	var server = api.NewServer()
	server.Orchestrator = a.Orchestrator
	server.Registry = a.Registry
	server.Runs = a.Runs
	server.Schedules = a.Schedules
	server.Connections = a.Connections
	server.Internal = a.Internal
	server.Importer = a.Importer
	server.Reports = a.Reports
	return server
}

// Scheduler builds the cron tick loop.
func (a *App) Scheduler(cfg SchedulerConfig) *ingest.Scheduler {
	return &ingest.Scheduler{
		Orchestrator: a.Orchestrator,
		Schedules:    a.Schedules,
		TickInterval: cfg.TickInterval,
	}
}

// Sweeper builds the stale-run sweeper.
func (a *App) Sweeper(cfg SchedulerConfig) *ingest.Sweeper {
	return &ingest.Sweeper{
		Runs:     a.Runs,
		Registry: a.Registry,
		Interval: cfg.SweepInterval,
		Redis:    a.Redis,
	}
}

// Worker builds the run executor pool.
func (a *App) Worker(cfg WorkerConfig) *ingest.Worker {
	return &ingest.Worker{
		Orchestrator: a.Orchestrator,
		Runs:         a.Runs,
		Registry:     a.Registry,
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval,
	}
}
