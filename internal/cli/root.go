// Package cli wires configuration, storage, the execution engine and the
// HTTP server into the mini-agent command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mini-agent",
	Short: "Task orchestration server for sandboxed agent executions",
	Long: `mini-agent runs natural-language automation tasks as multi-step
agent loops against a remote execution environment, with periodic context
checkpointing and cooperative cancellation.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
}
