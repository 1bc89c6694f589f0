package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dernekpanel/scansync"
	"github.com/dernekpanel/scansync/config"
)

var (
	dbPath  string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "scansync",
		Short: "Offline kumbara QR-scan queue and synchronization",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the queue database (default from SCANSYNC_QUEUE_DB_PATH)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(addCmd(), statusCmd(), syncCmd(), retryCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles everything a command needs.
type app struct {
	cfg     *config.Configuration
	queue   *scansync.SQLiteQueue
	store   *scansync.QueueStore
	monitor *scansync.Monitor
	engine  *scansync.Engine
	log     *logrus.Entry
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Queue.DBPath = dbPath
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	queue, err := scansync.NewSQLiteQueue(cfg.Queue.DBPath)
	if err != nil {
		return nil, err
	}
	store := scansync.NewQueueStore(queue, log)

	monitor := scansync.NewMonitor(&scansync.HTTPProber{URL: cfg.Probe.URL}, cfg.ProbeInterval(), log)

	var invalidator scansync.Invalidator = scansync.NopInvalidator{}
	if cfg.Redis.Dns != "" {
		opt, err := redis.ParseURL(cfg.Redis.Dns)
		if err != nil {
			return nil, err
		}
		inv, err := scansync.NewRedisInvalidator(redis.NewClient(opt), log)
		if err != nil {
			return nil, err
		}
		invalidator = inv
	}

	engine, err := scansync.NewEngine(scansync.EngineConfig{
		Store:       store,
		Queue:       queue,
		Submitter:   scansync.NewAPISubmitter(cfg.API.BaseURL, cfg.API.Key, cfg.APITimeout(), log),
		Network:     monitor,
		Invalidator: invalidator,
		Logger:      log,
		Options: scansync.Options{
			DisableAutoSync:  cfg.Sync.DisableAutoSync,
			MaxRetries:       cfg.Sync.MaxRetries,
			BaseRetryDelay:   cfg.Sync.BaseRetryDelay(),
			MaxConcurrent:    cfg.Sync.MaxConcurrent,
			AutoSyncDebounce: cfg.Sync.AutoSyncDebounce(),
		},
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		queue:   queue,
		store:   store,
		monitor: monitor,
		engine:  engine,
		log:     log,
	}, nil
}

func (a *app) close() {
	a.engine.Close()
	a.queue.Close()
}
