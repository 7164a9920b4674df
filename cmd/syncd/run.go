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

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/config"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/connectivity"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/engine"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/remote"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/spool"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Recovers the durable queue (interrupted sends return to queued)
  2. Sweeps and watches the spool directory for new operations
  3. Monitors connectivity and drains the queue whenever online
  4. Serves live status over WebSocket for the app UI

Example usage:
  syncd run                          # Default data dir (~/.mytasks)
  syncd run --data-dir /tmp/mytasks  # Custom data dir`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()

		logSink := logWriter(settings)
		logger := func(prefix string) *log.Logger {
			return log.New(logSink, prefix, log.LstdFlags)
		}

		q, err := queue.Open(settings.QueuePath(), backoff.Policy{
			Base:        settings.Backoff.Base,
			Max:         settings.Backoff.Max,
			Multiplier:  settings.Backoff.Multiplier,
			MaxAttempts: settings.Backoff.MaxAttempts,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
			os.Exit(1)
		}
		defer q.Close()

		store, err := remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:        settings.Remote.BaseURL,
			RequestTimeout: settings.Remote.Timeout,
			Logger:         logger("[remote] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating remote store: %v\n", err)
			os.Exit(1)
		}

		monitor := connectivity.New(connectivity.ProberFunc(store.Ping), &connectivity.Config{
			ProbeInterval:     settings.Connectivity.ProbeInterval,
			HeartbeatInterval: settings.Connectivity.HeartbeatInterval,
			ProbeTimeout:      settings.Connectivity.ProbeTimeout,
			Logger:            logger("[connectivity] "),
		})

		eng := engine.New(q, store, monitor, &engine.Config{
			SuccessDisplayWindow: settings.Engine.SuccessDisplayWindow,
			RetryCheckInterval:   settings.Engine.RetryCheckInterval,
			Logger:               logger("[engine] "),
		})

		ingestor, err := spool.NewIngestor(settings.SpoolDir(), eng, &spool.Config{
			Logger: logger("[spool] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool ingestor: %v\n", err)
			os.Exit(1)
		}

		var statusServer *status.Server
		if settings.Status.Port > 0 {
			projector := status.NewProjector(monitor, eng, q)
			statusServer = status.NewServer(projector, monitor, eng, &status.Config{
				Port:   settings.Status.Port,
				Logger: logger("[status] "),
			})
			if err := statusServer.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting status server: %v\n", err)
				os.Exit(1)
			}
		}

		monitor.Start()
		eng.Start()
		if err := ingestor.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting spool ingestor: %v\n", err)
			os.Exit(1)
		}

		pending, _ := q.PendingCount()
		fmt.Printf("Sync daemon started (data dir: %s)\n", settings.DataDir)
		fmt.Printf("Remote: %s\n", settings.Remote.BaseURL)
		if statusServer != nil {
			fmt.Printf("Status WebSocket: ws://localhost:%d/ws\n", settings.Status.Port)
		}
		fmt.Printf("Pending operations recovered: %d\n", pending)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down sync daemon...")
		if err := ingestor.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping spool ingestor: %v\n", err)
		}
		eng.Stop()
		monitor.Stop()
		if statusServer != nil {
			if err := statusServer.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping status server: %v\n", err)
			}
		}

		fmt.Println("Sync daemon stopped")
	},
}

// logWriter returns the daemon log destination: stderr, plus a rotating
// file when one is configured.
func logWriter(settings *config.Settings) io.Writer {
	if settings.Log.File == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   settings.Log.File,
		MaxSize:    settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
	})
}

func init() {
	rootCmd.AddCommand(runCmd)
}
