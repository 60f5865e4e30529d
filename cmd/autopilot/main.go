package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "autopilot",
		Short: "Autopilot - autonomous task execution engine",
		Long: `Autopilot executes a project's eligible tasks through a pluggable
runner under a per-project concurrency cap. Every status transition is
persisted; the externally visible status is derived from stored rows.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
