package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/sellerhub/sellerhub/service"
	"github.com/sellerhub/sellerhub/store"
)

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("migrate", "Apply database migrations", `
Apply all pending schema migrations and exit.
`, &cmdMigrate{})

	serve, err := parser.Command.AddCommand("serve", "Serve a component", "", &struct{}{})
	if err != nil {
		log.WithField("err", err).Fatal("failed to add command")
	}

	_, _ = serve.AddCommand("api", "Serve the HTTP API", `
Serve the control-plane HTTP API until signaled to exit (via SIGTERM).
`, &cmdAPI{})

	_, _ = serve.AddCommand("scheduler", "Serve the cron scheduler", `
Serve the schedule tick loop and the stale-run sweeper until signaled
to exit (via SIGTERM). Run exactly one scheduler per deployment; the
sweeper may also take a Redis coarse lock so overlapping processes do
not duplicate sweeps.
`, &cmdScheduler{})

	_, _ = serve.AddCommand("worker", "Serve a run executor", `
Serve a pool of run executors until signaled to exit (via SIGTERM).
Any number of workers may run concurrently; run claims are
compare-and-set on the run row.
`, &cmdWorker{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

type cmdMigrate struct {
	service.Config
}

func (cmd *cmdMigrate) Execute(_ []string) error {
	if err := cmd.Log.Init(); err != nil {
		return err
	}
	var ctx, cancel = signalContext()
	defer cancel()

	pool, err := store.Connect(ctx, cmd.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

type cmdAPI struct {
	service.Config
	API service.APIConfig `group:"API" namespace:"api" env-namespace:"SELLERHUB_API"`
}

func (cmd *cmdAPI) Execute(_ []string) error {
	if err := cmd.Log.Init(); err != nil {
		return err
	}
	var ctx, cancel = signalContext()
	defer cancel()

	app, err := service.Build(ctx, cmd.Config, cmd.API.DataDir)
	if err != nil {
		return err
	}
	defer app.Close()

	var server = &http.Server{
		Addr:    cmd.API.Listen,
		Handler: app.APIServer().Router(),
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	log.WithField("listen", cmd.API.Listen).Info("api listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type cmdScheduler struct {
	service.Config
	Scheduler service.SchedulerConfig `group:"Scheduler" namespace:"scheduler" env-namespace:"SELLERHUB_SCHEDULER"`
}

func (cmd *cmdScheduler) Execute(_ []string) error {
	if err := cmd.Log.Init(); err != nil {
		return err
	}
	var ctx, cancel = signalContext()
	defer cancel()

	app, err := service.Build(ctx, cmd.Config, "")
	if err != nil {
		return err
	}
	defer app.Close()

	var sweeper = app.Sweeper(cmd.Scheduler)
	go func() {
		if err := sweeper.Serve(ctx); err != nil && ctx.Err() == nil {
			log.WithField("err", err).Error("sweeper stopped")
		}
	}()

	if err := app.Scheduler(cmd.Scheduler).Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

type cmdWorker struct {
	service.Config
	Worker service.WorkerConfig `group:"Worker" namespace:"worker" env-namespace:"SELLERHUB_WORKER"`
}

func (cmd *cmdWorker) Execute(_ []string) error {
	if err := cmd.Log.Init(); err != nil {
		return err
	}
	var ctx, cancel = signalContext()
	defer cancel()

	app, err := service.Build(ctx, cmd.Config, cmd.Worker.DataDir)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Worker(cmd.Worker).Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
