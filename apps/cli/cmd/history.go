package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
	"github.com/abdul-hamid-achik/kestrel/packages/core/descriptor"
	"github.com/abdul-hamid-achik/kestrel/packages/history"
)

var (
	historyDBFlag    string
	historyLimitFlag int
	historyTestFlag  string
	historyFlakyFlag bool
	historyPruneFlag int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded runs",
	Long: `Show runs recorded with --history: recent runs, the outcomes of one
test, or tests that both passed and failed recently.

Examples:
  kestrel history --db .kestrel/history.db
  kestrel history --flaky -n 20
  kestrel history --test Users.Create
  kestrel history --prune 100`,
	Args: cobra.NoArgs,
	RunE: historyCommand,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBFlag, "db", getEnvString("KESTREL_HISTORY", ""), "History database (default: history from config) (env: KESTREL_HISTORY)")
	historyCmd.Flags().IntVarP(&historyLimitFlag, "limit", "n", 10, "Number of runs to consider")
	historyCmd.Flags().StringVar(&historyTestFlag, "test", "", "Show the outcomes of one test id")
	historyCmd.Flags().BoolVar(&historyFlakyFlag, "flaky", false, "List flaky tests")
	historyCmd.Flags().IntVar(&historyPruneFlag, "prune", 0, "Delete all but the newest N runs")
}

func historyCommand(cmd *cobra.Command, args []string) error {
	path := historyDBFlag
	if path == "" {
		cfg, err := config.LoadConfig(configFlag)
		if err != nil {
			return withExitCode(ExitConfigError, err)
		}
		path = cfg.History
	}
	if path == "" {
		return withExitCode(ExitUsageError, fmt.Errorf("no history database: use --db or set history in the config file"))
	}

	store, err := history.Open(path)
	if err != nil {
		return withExitCode(ExitConfigError, err)
	}
	defer store.Close()

	ctx := cmd.Context()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	switch {
	case historyPruneFlag > 0:
		removed, err := store.Prune(ctx, historyPruneFlag)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Removed %d runs\n", removed)

	case historyTestFlag != "":
		entries, err := store.Test(ctx, historyTestFlag, historyLimitFlag)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintf(w, "No recorded runs of %s\n", historyTestFlag)
			return nil
		}
		fmt.Fprintln(w, "STARTED\tRUN\tSTATE\tATTEMPTS\tDURATION\tMESSAGE")
		for _, e := range entries {
			state := string(e.State)
			if e.State == descriptor.StatePassed {
				state = green(state)
			} else if e.State == descriptor.StateFailed {
				state = red(state)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.StartedAt.Local().Format(time.DateTime), e.RunID, state, e.Attempts, e.Duration, firstLine(e.Message))
		}

	case historyFlakyFlag:
		flaky, err := store.Flaky(ctx, historyLimitFlag)
		if err != nil {
			return err
		}
		if len(flaky) == 0 {
			fmt.Fprintf(w, "No flaky tests in the last %d runs\n", historyLimitFlag)
			return nil
		}
		fmt.Fprintln(w, "TEST\tPASSED\tFAILED")
		for _, f := range flaky {
			fmt.Fprintf(w, "%s\t%d\t%d\n", f.TestID, f.Passed, f.Failed)
		}

	default:
		runs, err := store.Recent(ctx, historyLimitFlag)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No recorded runs")
			return nil
		}
		fmt.Fprintln(w, "STARTED\tRUN\tRESULT\tPASSED\tFAILED\tSKIPPED\tCANCELLED\tRETRIES\tDURATION")
		for _, r := range runs {
			result := green("pass")
			if !r.Success {
				result = red("fail")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), r.ID, result,
				r.Passed, r.Failed, r.Skipped, r.Cancelled, r.Retries, r.Duration)
		}
	}

	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
