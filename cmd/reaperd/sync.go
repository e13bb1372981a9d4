package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/localstore"
	"github.com/blackreaper/blackreaper/internal/notify"
	"github.com/blackreaper/blackreaper/internal/remote"
	"github.com/blackreaper/blackreaper/internal/syncqueue"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one replay pass over the pending queue",
	Long: `Replay queued offline writes against the backend once and exit.

Operations are applied in enqueue order; failures stay queued for the
next pass. Permanently failing operations that have exhausted their
attempt budget are moved to the dead letter queue.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		local, err := localstore.Open(cfg.Database.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)
		store := remote.NewMemStore()
		queue, err := syncqueue.New(store, local, bus.New(), notify.NewLogNotifier(logger), queueConfig(cfg, logger))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync queue: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		queue.Start(ctx)
		defer queue.Stop()

		start := time.Now()
		res := queue.ForceSync(ctx)
		// Start kicks off an initial replay; if it still holds the
		// syncing guard, wait it out and try again.
		for !res.Ran && queue.Online() && queue.PendingCount() > 0 {
			time.Sleep(100 * time.Millisecond)
			res = queue.ForceSync(ctx)
		}
		elapsed := time.Since(start).Round(time.Millisecond)

		if !res.Ran {
			if queue.PendingCount() == 0 {
				fmt.Println("Nothing to sync")
			} else {
				fmt.Printf("Sync skipped (offline), %d operations pending\n", queue.PendingCount())
			}
			return
		}

		fmt.Printf("Sync complete in %v\n", elapsed)
		fmt.Printf("   Synced: %d\n", res.Synced)
		fmt.Printf("   Failed: %d\n", res.Failed)
		if res.DeadLettered > 0 {
			fmt.Printf("   Dead-lettered: %d\n", res.DeadLettered)
		}
		fmt.Printf("   Remaining: %d\n", queue.PendingCount())
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
