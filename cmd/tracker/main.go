// Package main provides the tracker CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput switches command output from JSON to text.
	humanOutput bool

	// databaseURL overrides the configured store URL.
	databaseURL string
)

func main() {
	os.Exit(execute(rootCmd))
}

// execute runs cmd and maps its error to a process exit code. SIGINT and
// SIGTERM cancel the command context.
func execute(cmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		// SilenceErrors is set, so the error is printed here.
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Daily research paper tracker",
	Long: `tracker collects papers for a set of keywords from arXiv, Semantic Scholar,
OpenAlex and Google Scholar, keeps the best-cited ones and stores every paper
exactly once.

Commands print JSON by default; pass --human for text.

Configuration comes from config.yaml, .env and TRACKER_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Paper store URL (postgres://, sqlite://path, memory://)")
	rootCmd.Version = Version
}
