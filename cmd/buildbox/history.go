package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"buildbox/internal/history"

	"github.com/spf13/cobra"
)

var (
	historyDBPath    string
	historyWorkspace string
	historyLimit     int
	historyRunID     string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded pipeline runs",
	Example: `  buildbox history --db ./buildbox.db
  buildbox history --workspace cars --limit 5
  buildbox history --run 3f2b...`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyDBPath, "db", "./buildbox.db", "Path to the history database")
	historyCmd.Flags().StringVarP(&historyWorkspace, "workspace", "w", "", "Only show runs of this workspace")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs")
	historyCmd.Flags().StringVar(&historyRunID, "run", "", "Show the unit results of one run")
}

func runHistory(cmd *cobra.Command, args []string) error {
	hist, err := history.NewHistory(historyDBPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if historyRunID != "" {
		run, err := hist.GetRun(cmd.Context(), historyRunID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", historyRunID)
		}
		fmt.Fprintf(out, "%s %s %s %s\n", bold(run.RunID), run.Workspace, run.Status, run.StartedAt.Local().Format(time.DateTime))
		fmt.Fprintln(tw, "UNIT\tKIND\tSTATUS\tFAILED STAGE\tTESTS\tIMAGE")
		for _, u := range run.Units {
			tests := fmt.Sprintf("%d/%d", u.TestsPassed, u.TestsPassed+u.TestsFailed)
			image := u.ImageRef
			if u.PackagingSkipped {
				image = "skipped (tests failed)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", u.Unit, u.Kind, u.Status, u.FailedStage, tests, image)
		}
		return tw.Flush()
	}

	runs, err := hist.GetRunHistory(cmd.Context(), historyWorkspace, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	fmt.Fprintln(tw, "RUN\tWORKSPACE\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tCOMMIT")
	for _, r := range runs {
		duration := "-"
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()
		}
		commit := "-"
		if r.CommitHash != nil {
			commit = shortSHA(*r.CommitHash)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Workspace, r.Trigger, r.Status,
			r.StartedAt.Local().Format(time.DateTime), duration, commit)
	}
	return tw.Flush()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
