package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/blackreaper/blackreaper/internal/localstore"
	"github.com/blackreaper/blackreaper/internal/remote"
	"github.com/blackreaper/blackreaper/internal/syncqueue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and store status",
	Long: `Display the state of the local durable store.

Shows:
  - Local database location and size
  - Pending operation count
  - Dead-lettered operation count`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		info, err := os.Stat(cfg.Database.Path)
		if os.IsNotExist(err) {
			fmt.Println("Local store not initialized")
			fmt.Println("Run 'reaperd serve' to create it")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking local store: %v\n", err)
			os.Exit(1)
		}

		local, err := localstore.Open(cfg.Database.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)
		queue, err := syncqueue.New(remote.NewMemStore(), local, nil, nil, queueConfig(cfg, logger))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		dead, err := queue.DeadLettered()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading dead letter queue: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Println("\nLocal Store Status")
		fmt.Println()
		fmt.Printf("Location: %s\n", cfg.Database.Path)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Pending operations: %d\n", queue.PendingCount())
		fmt.Printf("Dead-lettered: %d\n", len(dead))
		for _, op := range dead {
			fmt.Printf("   %s %s (%d attempts): %s\n", op.Kind, op.Path, op.Attempts, op.LastError)
		}
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
