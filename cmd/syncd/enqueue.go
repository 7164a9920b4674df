package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/op"
	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/ui"
)

var (
	enqueueEntity  string
	enqueueID      string
	enqueueKind    string
	enqueuePayload string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Drop an operation into the spool directory",
	Long: `Write a pending operation into the spool directory.

The running daemon picks the file up, records it in the durable queue,
and sends it when connectivity allows. This is the same path the app
uses to hand off mutations.

Example usage:
  syncd enqueue --entity task --id t-42 --kind update \
      --payload '{"title":"Buy milk","done":true}'`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()

		var payload json.RawMessage
		if enqueuePayload != "" {
			if !json.Valid([]byte(enqueuePayload)) {
				fmt.Fprintf(os.Stderr, "Error: payload is not valid JSON\n")
				os.Exit(1)
			}
			payload = json.RawMessage(enqueuePayload)
		}

		o := op.New(op.EntityType(enqueueEntity), enqueueID, op.Kind(enqueueKind), payload)
		if err := o.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := op.WriteOperationFile(settings.SpoolDir(), o); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing spool file: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Spooled %s %s (%s)\n", ui.RenderPass("✓"), o.Kind, o.EntityKey(), o.ID)
		fmt.Printf("   %s\n", ui.RenderDim(filepath.Join(settings.SpoolDir(), o.Filename())))
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueEntity, "entity", "task", "Entity type (task, friendship, circle, challenge, pact)")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Entity ID (required)")
	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "update", "Operation kind (create, update, delete)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload for the change")
	_ = enqueueCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(enqueueCmd)
}
