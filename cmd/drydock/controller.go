package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/drydock/internal/audit"
	"github.com/fentz26/drydock/internal/controlplane"
	"github.com/fentz26/drydock/internal/fleet"
	"github.com/fentz26/drydock/internal/pool"
	"github.com/fentz26/drydock/internal/process"
	"github.com/fentz26/drydock/internal/resourcelock"
	"github.com/fentz26/drydock/internal/task"
	"github.com/fentz26/drydock/internal/version"
	"github.com/fentz26/drydock/internal/watcher"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the HTTP drain once the controller stops.
const shutdownTimeout = 30 * time.Second

var listenAddr string

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the task controller",
	Long: `Runs the controller: it watches the store for new tasks, locks their
servers, executes them on a bounded worker pool and serves the health,
workers and metrics endpoints.`,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the controller endpoint (overrides controller.listen)")
}

func runController(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.cfg
	if listenAddr != "" {
		cfg.Controller.Listen = listenAddr
	}
	log := e.log
	log.Info("Starting drydock controller",
		zap.String("version", version.Version),
		zap.String("store", cfg.Store.Driver),
		zap.Int("workers", cfg.Controller.Workers))

	tasks := task.NewService(e.store, task.Config{
		TTL:      cfg.Controller.TaskTTL,
		Hostname: cfg.Controller.Hostname,
	}, log.Named("task"))
	fl := fleet.New(e.store)
	locker := resourcelock.NewServerLocker(e.store, resourcelock.Config{Lease: cfg.Lock.Lease}, log.Named("lock"))
	journal := audit.NewJournal(e.store)

	supervisor := process.NewSupervisor(process.Config{
		Command:      cfg.Runner.Command,
		Args:         cfg.Runner.Args,
		ConfigPath:   cfg.Runner.ConfigPath,
		DBURI:        storeConfig(cfg).URI(),
		WorkDir:      cfg.Runner.WorkDir,
		GracePeriod:  cfg.Runner.GracePeriod,
		PollInterval: cfg.Runner.PollInterval,
	}, log.Named("runner"))
	workers := pool.New(tasks, e.store, supervisor, pool.Config{Workers: cfg.Controller.Workers}, log.Named("pool"))

	w := watcher.New(watcher.Deps{
		Source:   e.store,
		Tasks:    tasks,
		Resolver: fl,
		Locker:   locker,
		Pool:     workers,
		Journal:  journal,
	}, watcher.Config{
		PollInterval:    cfg.Controller.PollInterval,
		BounceDelay:     cfg.Controller.BounceDelay,
		BatchSize:       cfg.Controller.BatchSize,
		ProlongInterval: cfg.Lock.ProlongInterval,
		MaxPollFailures: cfg.Controller.MaxPollFailures,
		Hostname:        cfg.Controller.Hostname,
	}, log.Named("watcher"))

	service := controlplane.NewService(e.store, tasks, journal, locker, log.Named("api"))
	server := controlplane.NewServer(service, e.store, workers, cfg.Controller.Listen, log.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down controller")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Controller endpoint did not shut down cleanly", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Controller stopped with error", zap.Error(err))
		return err
	}
	log.Info("Controller stopped")
	return nil
}
