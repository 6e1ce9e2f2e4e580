package main

import (
	"github.com/spf13/cobra"

	"github.com/helixir/research-tracker/internal/maintenance"
)

var dedupeDryRun bool

func init() {
	dedupeCmd.Flags().BoolVar(&dedupeDryRun, "dry-run", false, "Report duplicates without deleting them")
	rootCmd.AddCommand(dedupeCmd)
}

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Remove duplicate papers and enforce the unique index",
	Long: `Dedupe removes rows that share a source and external id, then rows that
share a normalized title, keeping the most recently fetched row of each
group. It then creates the (source, external_id) unique index if it is
missing.

Examples:
  tracker dedupe --dry-run
  tracker dedupe --database-url postgres://tracker@localhost/tracker`,
	RunE: runDedupe,
}

func runDedupe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	job := maintenance.New(a.store, a.logger,
		maintenance.WithDryRun(dedupeDryRun),
		maintenance.WithMetrics(a.metrics),
	)

	summary, err := job.Run(ctx)
	if summary != nil {
		if printErr := printDedupeSummary(cmd.OutOrStdout(), summary); printErr != nil && err == nil {
			err = printErr
		}
	}
	return err
}
