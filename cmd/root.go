// Package cmd defines the CLI commands for the veilcrawl binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "veilcrawl",
		Short: "Request governance core for polite, detection-aware crawling.",
		Long: `veilcrawl governs outbound scraping traffic: per-host adaptive rate
limits with circuit breaking, a health-aware rotating proxy pool,
human-like pacing, and block-page detection with session risk tracking.
It runs as an HTTP service; crawl workers call it per request.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newProbeCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
