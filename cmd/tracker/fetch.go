package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/helixir/research-tracker/internal/pipeline"
)

func init() {
	addFetchFlags(fetchCmd.Flags())
	rootCmd.AddCommand(fetchCmd)
}

func addFetchFlags(fs *pflag.FlagSet) {
	fs.StringSlice("keywords", nil, "Comma-separated search keywords (default: aggregator.keywords)")
	fs.Int("max-papers", 0, "Keep at most N ranked candidates, 0 keeps all (default: aggregator.max_papers)")
	fs.Bool("one-new-paper", false, "Insert at most one new paper per run")
	fs.Int("recent-days", 0, "Query recent papers from the last D days instead of searching")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch papers for keywords and store the new ones",
	Long: `Fetch queries the configured providers for every keyword, primary first,
falling back to the next provider only when a provider returns nothing. The
merged results are deduplicated, ranked by citation count and stored; papers
already in the store are counted as duplicates.

Examples:
  tracker fetch --keywords "quantum computing,protein folding" --max-papers 20
  tracker fetch --keywords llm --recent-days 3 --one-new-paper`,
	RunE: runFetch,
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.runner(ctx)
	if err != nil {
		return err
	}

	req, err := fetchRequest(cmd.Flags(), a.fetchDefaults())
	if err != nil {
		return err
	}
	result, err := runner.Fetch(ctx, req)
	if result != nil {
		if printErr := printFetchResult(cmd.OutOrStdout(), result); printErr != nil && err == nil {
			err = printErr
		}
	}
	return err
}

// fetchRequest overlays the flags the user set on the configured defaults.
func fetchRequest(flags *pflag.FlagSet, defaults pipeline.Request) (pipeline.Request, error) {
	req := defaults
	var err error
	if flags.Changed("keywords") {
		if req.Keywords, err = flags.GetStringSlice("keywords"); err != nil {
			return req, err
		}
	}
	if flags.Changed("max-papers") {
		if req.MaxPapers, err = flags.GetInt("max-papers"); err != nil {
			return req, err
		}
	}
	if flags.Changed("one-new-paper") {
		if req.OneNewPaperOnly, err = flags.GetBool("one-new-paper"); err != nil {
			return req, err
		}
	}
	if flags.Changed("recent-days") {
		if req.RecentDays, err = flags.GetInt("recent-days"); err != nil {
			return req, err
		}
	}
	return req, nil
}
