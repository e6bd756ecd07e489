// Package main provides syncd, the fieldsync daemon and operator CLI.
// The daemon serves REST/WebSocket on the configured listen address
// (default 127.0.0.1:8090).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "fieldsync - offline-first sync engine",
	Long: `syncd queues local writes, replays them against the remote store when
it is reachable, pulls remote changes and keeps conflicts for review.

Run "syncd run" for the background daemon, or use the other commands to
inspect and operate on the local sync state.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./fieldsync.yaml or $HOME/.fieldsync/fieldsync.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
