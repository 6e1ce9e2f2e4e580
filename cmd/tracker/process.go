package main

import (
	"github.com/spf13/cobra"
)

var processLimit int

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 0, "Summarize at most N papers (default: summarizer.batch_limit)")
	rootCmd.AddCommand(processCmd)
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Summarize unprocessed papers",
	Long: `Process sends the oldest unprocessed papers to the summarizer and stores
the Chinese summary and investment insight for each. Papers that fail stay
unprocessed and are retried on the next run.`,
	RunE: runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	processor, err := a.processor()
	if err != nil {
		return err
	}

	limit := a.cfg.Summarizer.BatchLimit
	if cmd.Flags().Changed("limit") {
		limit = processLimit
	}

	report, err := processor.Run(ctx, limit)
	if report != nil {
		if printErr := printProcessReport(cmd.OutOrStdout(), report); printErr != nil && err == nil {
			err = printErr
		}
	}
	return err
}
