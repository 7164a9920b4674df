package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/connectivity"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/engine"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/remote"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/ui"
)

var syncRetryFailed bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending queue once and exit",
	Long: `Perform a one-shot sync of the pending operation queue.

Eligible operations are sent in order. Operations that previously
failed permanently stay put unless --retry-failed is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		ctx := context.Background()

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
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating remote store: %v\n", err)
			os.Exit(1)
		}

		monitor := connectivity.New(connectivity.ProberFunc(store.Ping), &connectivity.Config{
			ProbeInterval:     time.Second,
			HeartbeatInterval: settings.Connectivity.HeartbeatInterval,
			ProbeTimeout:      settings.Connectivity.ProbeTimeout,
		})
		eng := engine.New(q, store, monitor, &engine.Config{
			SuccessDisplayWindow: settings.Engine.SuccessDisplayWindow,
			RetryCheckInterval:   settings.Engine.RetryCheckInterval,
		})

		monitor.Start()
		defer monitor.Stop()
		eng.Start()
		defer eng.Stop()

		// Wait for the initial probe to settle before deciding we are
		// offline. Subscribe before checking so a state change between
		// the check and the wait cannot be missed.
		events := monitor.Subscribe()
		deadline := time.After(settings.Connectivity.ProbeTimeout + time.Second)
	waitOnline:
		for !monitor.IsOnline() {
			select {
			case s, ok := <-events:
				if !ok || s == connectivity.StateOnline {
					break waitOnline
				}
			case <-deadline:
				break waitOnline
			}
		}
		monitor.Unsubscribe(events)
		if !monitor.IsOnline() {
			fmt.Fprintf(os.Stderr, "Error: sync service unreachable at %s\n", settings.Remote.BaseURL)
			fmt.Fprintf(os.Stderr, "Queued operations are safe and will sync later\n")
			os.Exit(1)
		}

		pending, _ := q.PendingCount()
		fmt.Printf("%s Syncing %d pending operation(s) to %s...\n", ui.RenderAccent("🔄"), pending, settings.Remote.BaseURL)
		start := time.Now()

		var syncErr error
		if syncRetryFailed {
			syncErr = eng.RetryFailedOperations(ctx)
		} else {
			syncErr = eng.PerformFullSync(ctx)
		}

		elapsed := time.Since(start)
		remaining, _ := q.PendingCount()
		failed, _ := q.FailedCount()

		if syncErr != nil {
			fmt.Printf("%s Sync finished with failures in %v\n", ui.RenderFail("✗"), elapsed.Round(time.Millisecond))
			fmt.Printf("   Remaining: %d\n", remaining)
			fmt.Printf("   Failed: %d (run 'syncd status' for details)\n", failed)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		if remaining > 0 {
			fmt.Printf("   Remaining: %d (deferred for retry)\n", remaining)
		}
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "Also retry operations that failed permanently")
	rootCmd.AddCommand(syncCmd)
}
