// reaperd is the BlackReaper core daemon and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "reaperd",
	Short: "BlackReaper offline-first sync and reward daemon",
	Long: `reaperd runs the BlackReaper core: the offline-tolerant sync queue,
the RC cell reward ledger, and the pomodoro session engine, with a live
WebSocket dashboard.

Writes made while the backend is unreachable are queued in a local
SQLite store and replayed in order once connectivity returns.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./reaperd.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
