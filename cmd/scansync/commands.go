package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/dernekpanel/scansync"
)

// cleanup thresholds for the watch daemon: permanently failed scans
// older than a day are purged, stale pending scans after a week.
const (
	cleanupMaxAge     = 24 * time.Hour
	cleanupMaxRetries = 5
)

func addCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "add <code>",
		Short: "Queue a scanned kumbara code for later sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			a.store.CheckDBAvailability()
			if !force && a.store.CheckDuplicate(ctx, args[0], 0) {
				fmt.Println("already queued recently, use --force to queue anyway")
				return nil
			}
			scan, err := a.store.AddScanToQueue(ctx, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("queued %s\n", scan.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the duplicate check")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total:   %d\n", stats.Total)
			fmt.Printf("pending: %d\n", stats.Pending)
			fmt.Printf("syncing: %d\n", stats.Syncing)
			fmt.Printf("failed:  %d\n", stats.Failed)
			if stats.OldestScanAt != nil {
				fmt.Printf("oldest:  %s\n", stats.OldestScanAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync all pending scans now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			a.store.CheckDBAvailability()
			a.monitor.Refresh(ctx)
			result, err := a.engine.SyncNow(ctx)
			if err != nil {
				return err
			}
			printBatchResult(result)
			return nil
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry failed scans that have not hit the retry limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			a.store.CheckDBAvailability()
			a.monitor.Refresh(ctx)
			result, err := a.engine.RetryFailed(ctx)
			if err != nil {
				return err
			}
			printBatchResult(result)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run in the background: auto-sync on reconnect, periodic queue cleanup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a.monitor.Start(ctx)
			defer a.monitor.Close()
			a.engine.Start(ctx)

			c := cron.New()
			if _, err := c.AddFunc("@hourly", func() {
				n, err := a.queue.CleanupOldScans(ctx, cleanupMaxAge, cleanupMaxRetries)
				if err != nil {
					a.log.WithError(err).Warn("queue cleanup failed")
					return
				}
				if n > 0 {
					a.log.WithField("removed", n).Info("cleaned up old scans")
					a.store.RefreshQueueStats(ctx)
				}
			}); err != nil {
				return err
			}
			c.Start()
			defer c.Stop()

			a.log.Info("watching for reconnects, press ctrl-c to stop")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-ctx.Done():
			}
			return nil
		},
	}
}

func printBatchResult(result scansync.BatchSyncResult) {
	if result.Total == 0 {
		fmt.Println("nothing to sync")
		return
	}
	fmt.Printf("synced %d/%d, failed %d\n", result.Successful, result.Total, result.Failed)
	for _, r := range result.Results {
		if !r.Success {
			fmt.Printf("  %s: %s\n", r.ScanID, r.Error)
		}
	}
}
