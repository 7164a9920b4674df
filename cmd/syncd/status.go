package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/remote"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue and connectivity status",
	Long: `Display the current state of the sync subsystem.

Shows:
  - Whether the sync service is reachable right now
  - Pending operations waiting to be sent
  - Failed operations held for explicit retry
  - Last successful full sync time`,
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

		probeCtx, cancel := context.WithTimeout(ctx, settings.Connectivity.ProbeTimeout)
		pingErr := store.Ping(probeCtx)
		cancel()

		fmt.Println()
		if pingErr == nil {
			fmt.Printf("%s Connection: online\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("%s Connection: offline (%v)\n", ui.RenderWarn("⚠"), pingErr)
		}
		fmt.Printf("   Remote: %s\n", settings.Remote.BaseURL)

		pending, err := q.PendingCount()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending operations: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("   Pending: %d operation(s)\n", pending)

		last, err := q.LastFullDrain(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading last sync time: %v\n", err)
			os.Exit(1)
		}
		if last != nil {
			fmt.Printf("   Last sync: %s (%s ago)\n", last.Local().Format(time.RFC822), time.Since(*last).Round(time.Second))
		} else {
			fmt.Printf("   Last sync: never\n")
		}

		failed, err := q.FailedOperations(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing failed operations: %v\n", err)
			os.Exit(1)
		}
		if len(failed) == 0 {
			fmt.Printf("   Failed: none\n\n")
			return
		}

		fmt.Printf("\n%s %d failed operation(s):\n", ui.RenderFail("✗"), len(failed))
		for _, o := range failed {
			fmt.Printf("   %s  %s %s\n", o.ID, o.Kind, o.EntityKey())
			if o.LastError != "" {
				fmt.Printf("      %s\n", ui.RenderDim(o.LastError))
			}
		}
		fmt.Printf("\nRun 'syncd retry' to retry them, or 'syncd discard <id>' to drop one.\n\n")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
