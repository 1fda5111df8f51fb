package main

import (
	"fmt"

	"buildbox/internal/format"
	"buildbox/internal/orchestrator"
	"buildbox/internal/workspace"

	"github.com/spf13/cobra"
)

var (
	formatConfigFile string
	formatCheck      bool
)

var formatCmd = &cobra.Command{
	Use:   "format",
	Short: "Apply or check the workspace format policy",
	Long: `Normalize Go sources (gofmt plus import grouping) and go.mod files across
the workspace. With --check nothing is written and any file that would
change is reported as a violation.`,
	Args: cobra.NoArgs,
	RunE: runFormat,
}

func init() {
	formatCmd.Flags().StringVarP(&formatConfigFile, "config", "c", "", "Path to buildbox.yaml")
	formatCmd.Flags().BoolVar(&formatCheck, "check", false, "Report violations without rewriting files")
}

func runFormat(cmd *cobra.Command, args []string) error {
	configPath, err := workspace.Find(formatConfigFile)
	if err != nil {
		return err
	}
	ws, err := workspace.Load(configPath)
	if err != nil {
		return err
	}

	mode := format.Apply
	if formatCheck {
		mode = format.Check
	}

	result, err := format.Run(orchestrator.FormatOptions(ws, mode))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, file := range result.Changed {
		if mode == format.Check {
			fmt.Fprintf(out, "%s %s\n", red("unformatted"), file)
		} else {
			fmt.Fprintf(out, "%s %s\n", green("formatted"), file)
		}
	}
	for _, v := range result.Violations {
		fmt.Fprintf(out, "%s %s: %v\n", red("error"), v.File, v.Err)
	}
	fmt.Fprintf(out, "%d files checked, %d changed\n", result.Checked, len(result.Changed))

	if err := result.Err(); err != nil {
		return errPipelineFailed
	}
	return nil
}
