package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/spf13/cobra"
)

var (
	serveListen  string
	serveOrigin  string
	serveVersion string
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().StringVar(&serveOrigin, "origin", "", "Origin URL (overrides server.origin)")
	serveCmd.Flags().StringVar(&serveVersion, "version", "", "Cache generation version (overrides cache.version)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long:  "Serve the FitQuest app through the offline cache, accept client connections and run background sync.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}
		if serveOrigin != "" {
			cfg.Server.Origin = serveOrigin
		}
		if serveVersion != "" {
			cfg.Cache.Version = serveVersion
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *fitsync.Config) error {
	log := newLogger(cfg)

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	db, workouts, analytics, err := openQueues(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	worker, err := fitsync.NewWorker(client, store, workouts, analytics, workerConfig(cfg), fitsync.WithLogger(log))
	if err != nil {
		return err
	}
	defer worker.Close()

	sched := fitsync.NewScheduler(worker, fitsync.SchedulerConfig{
		MaxAttempts:     cfg.Sync.MaxAttempts,
		InitialInterval: cfg.Sync.RetryInitial.Duration,
		MaxInterval:     cfg.Sync.RetryMax.Duration,
	}, log)
	defer sched.Close()
	worker.SetRegistrar(sched)

	conn := fitsync.NewConnectivity(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.Probe(ctx, cfg.Sync.ProbePath)
	}, cfg.Sync.ProbeInterval.Duration, log)
	sched.SetOnline(conn.IsOnline)
	conn.OnChange(func(online bool) {
		if online {
			sched.Reconnected()
		}
	})

	hub := fitsync.NewHub(log, client.Origin().Host)
	defer hub.Close()
	srv := fitsync.NewServer(worker, hub,
		fitsync.WithScheduler(sched),
		fitsync.WithConnectivity(conn),
		fitsync.WithPushSecret(cfg.Push.Secret),
		fitsync.WithAdminToken(cfg.Server.AdminToken),
		fitsync.WithServerLogger(log),
	)

	conn.Check(ctx)
	if err := worker.Start(ctx); err != nil {
		// The proxy still passes requests through; install can be retried
		// with POST /_worker/install.
		log.ErrorContext(ctx, "install failed", "version", cfg.Cache.Version, "error", err)
	}
	if err := sched.RegisterPeriodic(fitsync.TagDailyAnalytics, cfg.Sync.PeriodicInterval.Duration); err != nil {
		return err
	}
	if cfg.Server.AdminToken == "" {
		log.WarnContext(ctx, "server.admin_token is not set; /_worker/ signal routes are closed")
	}
	resumePendingSync(ctx, worker, sched, log)
	go conn.Run(ctx)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "listening", "addr", cfg.Server.Listen, "origin", cfg.Server.Origin, "version", cfg.Cache.Version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// resumePendingSync re-registers sync tags for mutations left queued by a
// previous run.
func resumePendingSync(ctx context.Context, worker *fitsync.Worker, sched *fitsync.Scheduler, log *slog.Logger) {
	for _, tag := range []string{fitsync.TagWorkoutSync, fitsync.TagAnalyticsSync} {
		q, err := worker.Coordinator().QueueFor(tag)
		if err != nil {
			continue
		}
		items, err := q.List(ctx)
		if err != nil || len(items) == 0 {
			continue
		}
		if err := sched.Register(tag); err != nil {
			log.WarnContext(ctx, "resume pending sync failed", "tag", tag, "error", err)
		}
	}
}
