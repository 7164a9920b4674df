// syncd is the offline-first sync daemon for MyTasks.
//
// The app writes pending operations into a spool directory; syncd owns
// the durable queue, watches connectivity, drains the queue against the
// sync service, and serves live status over WebSocket.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/HenryVantieghem/MyTasksAI-sub006/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Offline-first sync daemon for MyTasks",
	Long: `syncd keeps local MyTasks changes flowing to the sync service.

Changes made while offline accumulate in a durable queue and are sent
automatically when connectivity returns. Transient failures retry with
exponential backoff; permanent rejections are held for an explicit
retry or discard.`,
}

var dataDirFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: $MYTASKS_DATA_DIR or ~/.mytasks)")
}

// resolveDataDir picks the data directory: flag, then environment, then
// a dot directory in the user's home.
func resolveDataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if env := os.Getenv("MYTASKS_DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mytasks"
	}
	return filepath.Join(home, ".mytasks")
}

// loadSettings loads configuration or exits.
func loadSettings() *config.Settings {
	settings, err := config.Load(resolveDataDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return settings
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
