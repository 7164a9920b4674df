package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/backoff"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/queue"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/ui"
)

// openQueue opens the durable queue for a one-shot command.
func openQueue() *queue.Queue {
	settings := loadSettings()
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
	return q
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed operations for another attempt",
	Long: `Move every permanently failed operation back to the pending queue
with a fresh retry budget.

The operations are sent on the next drain (or immediately if the
daemon is running and online).`,
	Run: func(cmd *cobra.Command, args []string) {
		q := openQueue()
		defer q.Close()

		n, err := q.RetryFailed(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error requeueing failed operations: %v\n", err)
			os.Exit(1)
		}
		if n == 0 {
			fmt.Println("No failed operations to retry")
			return
		}
		fmt.Printf("%s Requeued %d operation(s) for retry\n", ui.RenderPass("✓"), n)
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Drop a failed operation permanently",
	Long: `Remove a failed operation from the queue without sending it.

The local change it represents is abandoned; only failed operations
can be discarded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		q := openQueue()
		defer q.Close()

		if err := q.DiscardFailed(context.Background(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error discarding operation: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Discarded %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(discardCmd)
}
