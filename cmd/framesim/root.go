package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	envFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "framesim",
	Short: "Drive a simulated frame loop through the frame allocator",
	Long: `framesim records frames on the host-memory backend the way a renderer would:
every worker owns a frame ring, allocates transient and shared buffer slices each
frame, and a simulated GPU signals the frame fence once the frame is submitted.
Configuration is read from FRAMEALLOC_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from a .env file before reading the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level regardless of FRAMEALLOC_LOG_LEVEL")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
