package main

import (
	"fmt"
	"log/slog"
	"os"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/IamNotATuringMachine/fitness-sub002/storage/boltstore"
	"github.com/IamNotATuringMachine/fitness-sub002/storage/sqlitequeue"
)

// Queue names inside the queue database.
const (
	queueWorkouts  = "workouts"
	queueAnalytics = "analytics"
)

func newLogger(cfg *fitsync.Config) *slog.Logger {
	return fitsync.NewLogger(os.Stderr, cfg.Log.Format, cfg.Log.Level)
}

// newClient creates the origin client from the config.
func newClient(cfg *fitsync.Config) (*fitsync.Client, error) {
	opts := []fitsync.ClientOption{fitsync.WithTimeout(cfg.Server.Timeout.Duration)}
	if cfg.Server.UserAgent != "" {
		opts = append(opts, fitsync.WithUserAgent(cfg.Server.UserAgent))
	}
	client, err := fitsync.NewClient(cfg.Server.Origin, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	return client, nil
}

// openStore opens the durable cache store.
func openStore(cfg *fitsync.Config) (*boltstore.Store, error) {
	store, err := boltstore.Open(cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", cfg.Cache.Path, err)
	}
	return store, nil
}

// openQueues opens the durable workout and analytics queues.
func openQueues(cfg *fitsync.Config) (*sqlitequeue.DB, *sqlitequeue.Queue, *sqlitequeue.Queue, error) {
	db, err := sqlitequeue.Open(cfg.Sync.QueuePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open queue %s: %w", cfg.Sync.QueuePath, err)
	}
	return db, db.Queue(queueWorkouts), db.Queue(queueAnalytics), nil
}

// queueByName maps a CLI queue name to its queue.
func queueByName(name string, workouts, analytics fitsync.Queue) (fitsync.Queue, error) {
	switch name {
	case queueWorkouts:
		return workouts, nil
	case queueAnalytics:
		return analytics, nil
	default:
		return nil, fmt.Errorf("unknown queue %q (valid: %s, %s)", name, queueWorkouts, queueAnalytics)
	}
}

func workerConfig(cfg *fitsync.Config) fitsync.WorkerConfig {
	return fitsync.WorkerConfig{
		Version:   cfg.Cache.Version,
		Prefix:    cfg.Cache.Prefix,
		Limits:    cfg.Limits(),
		SeedPaths: cfg.Cache.SeedPaths,
		Engine: fitsync.EngineConfig{
			APIPrefix:  cfg.Cache.APIPrefix,
			KeyHeaders: cfg.Cache.KeyHeaders,
		},
		Endpoints: fitsync.CoordinatorConfig{
			WorkoutEndpoint:   cfg.Sync.WorkoutEndpoint,
			AnalyticsEndpoint: cfg.Sync.AnalyticsEndpoint,
		},
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
