package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/blackreaper/blackreaper/internal/bus"
	"github.com/blackreaper/blackreaper/internal/config"
	"github.com/blackreaper/blackreaper/internal/dashboard"
	"github.com/blackreaper/blackreaper/internal/ledger"
	"github.com/blackreaper/blackreaper/internal/localstore"
	"github.com/blackreaper/blackreaper/internal/notify"
	"github.com/blackreaper/blackreaper/internal/remote"
	"github.com/blackreaper/blackreaper/internal/session"
	"github.com/blackreaper/blackreaper/internal/stats"
	"github.com/blackreaper/blackreaper/internal/syncqueue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon (foreground)",
	Long: `Start the sync queue, session engine, and dashboard in the foreground.

The daemon will:
  1. Open the local durable store and load any pending operations
  2. Attach the backend liveness listener and periodic replay timer
  3. Serve the WebSocket dashboard (unless disabled)
  4. Replay queued writes whenever connectivity returns

Press Ctrl+C to stop. Pending operations survive restarts.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, loader, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logOut := logOutput(cfg)
		logger := log.New(logOut, "[reaperd] ", log.LstdFlags)

		local, err := localstore.Open(cfg.Database.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer local.Close()

		store := remote.NewMemStore()
		events := bus.New()
		notifier := notify.NewLogNotifier(logger)

		qc := queueConfig(cfg, log.New(logOut, "[syncqueue] ", log.LstdFlags))
		queue, err := syncqueue.New(store, local, events, notifier, qc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating sync queue: %v\n", err)
			os.Exit(1)
		}

		rewards := ledger.New(store, events, log.New(logOut, "[ledger] ", log.LstdFlags))
		tracker := stats.New(store, queue, rewards, log.New(logOut, "[stats] ", log.LstdFlags))

		sc := &session.Config{
			WorkDuration:       cfg.Session.WorkDuration,
			BreakDuration:      cfg.Session.BreakDuration,
			CheckpointInterval: cfg.Session.CheckpointInterval,
			TickInterval:       session.DefaultConfig().TickInterval,
			Logger:             log.New(logOut, "[session] ", log.LstdFlags),
		}
		sessions := session.New(queue, rewards, tracker, events, sc)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queue.Start(ctx)
		defer queue.Stop()

		var dash *dashboard.Server
		if cfg.Dashboard.Enabled {
			dash = dashboard.NewServer(events, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			if err := dash.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = dash.Stop() }()
		}

		loader.Watch(func(next *config.Config) {
			// Durations and ports only apply at startup; log so the
			// operator knows a restart is needed for those.
			logger.Printf("Config reloaded (user_id=%s); restart to apply timer changes", next.UserID)
		})

		logger.Printf("reaperd running (user=%s, db=%s, pending=%d)",
			cfg.UserID, cfg.Database.Path, queue.PendingCount())
		if dash != nil {
			logger.Printf("Dashboard at http://%s", dash.GetAddr())
		}

		<-ctx.Done()
		logger.Println("Shutting down")
		sessions.Stop()
	},
}

// logOutput builds the daemon log destination: rotated file when
// configured, stderr otherwise.
func logOutput(cfg *config.Config) io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
}

func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(configPath, nil)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func queueConfig(cfg *config.Config, logger *log.Logger) *syncqueue.Config {
	qc := syncqueue.DefaultConfig()
	qc.SyncInterval = cfg.Sync.Interval
	qc.CacheTTL = cfg.Sync.CacheTTL
	qc.InitialBackoff = cfg.Sync.InitialBackoff
	qc.MaxBackoff = cfg.Sync.MaxBackoff
	qc.MaxPermanentAttempts = cfg.Sync.MaxPermanentAttempts
	qc.Logger = logger
	return qc
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
