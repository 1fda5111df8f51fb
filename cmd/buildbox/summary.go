package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"buildbox/internal/build"
	"buildbox/internal/orchestrator"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func stateText(state build.State) string {
	switch state {
	case build.StatePassed:
		return green(string(state))
	case build.StateFailed:
		return red(string(state))
	case build.StateSkipped:
		return yellow(string(state))
	default:
		return faint(string(state))
	}
}

// printSummary writes the per-unit outcome of a run.
func printSummary(w io.Writer, report *orchestrator.Report) {
	fmt.Fprintf(w, "\n%s %s %s\n", bold("buildbox"), report.Group, faint(report.RunID))

	if f := report.Format; f != nil {
		fmt.Fprintf(w, "  format (%s): %s", f.Mode, stateText(f.State))
		if f.Result != nil {
			fmt.Fprintf(w, " %s", faint(fmt.Sprintf("%d files, %d changed", f.Result.Checked, len(f.Result.Changed))))
		}
		fmt.Fprintln(w)
		if f.Err != nil {
			fmt.Fprintf(w, "    %s\n", indent(f.Err.Error()))
		}
	}

	for _, u := range report.Units {
		status := green("ok")
		if !u.Passed() {
			status = red("FAIL")
		}
		fmt.Fprintf(w, "  %-4s %s %s %s\n", status, bold(u.Unit), faint(string(u.Kind)), faint(u.Duration.Round(time.Millisecond).String()))

		var stages []string
		for _, sr := range u.Stages {
			text := fmt.Sprintf("%s=%s", sr.Stage, stateText(sr.State))
			if sr.State == build.StateSkipped && sr.SkipReason != "" {
				text += faint(" (" + sr.SkipReason + ")")
			}
			stages = append(stages, text)
		}
		fmt.Fprintf(w, "       %s\n", strings.Join(stages, " "))

		if u.Report != nil {
			fmt.Fprintf(w, "       tests: %s\n", u.Report.Summary())
		}
		if u.Image != nil {
			fmt.Fprintf(w, "       image: %s %s\n", u.Image.Reference, faint(u.Image.Digest))
		}
		if u.Err != nil {
			fmt.Fprintf(w, "       %s\n", red(indent(u.Err.Error())))
		}
	}

	passed, failed := report.Counts()
	line := fmt.Sprintf("%d passed, %d failed in %s", passed, failed, report.Duration.Round(time.Millisecond))
	switch report.Status {
	case orchestrator.StatusPassed:
		fmt.Fprintf(w, "\n%s %s\n", green("PASSED"), line)
	case orchestrator.StatusCancelled:
		fmt.Fprintf(w, "\n%s %s\n", yellow("CANCELLED"), line)
	default:
		fmt.Fprintf(w, "\n%s %s\n", red("FAILED"), line)
	}
}

func indent(s string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n       ")
}
