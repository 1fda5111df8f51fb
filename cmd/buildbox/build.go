package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"buildbox/internal/build"
	"buildbox/internal/format"
	"buildbox/internal/history"
	"buildbox/internal/orchestrator"
	"buildbox/internal/workspace"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	buildConfigFile  string
	buildUnits       []string
	buildFailFast    bool
	buildFormatCheck bool
	buildSandbox     bool
	buildDBPath      string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run the pipeline for the workspace",
	Long: `Run the format policy, then resolve, compile, test and package every unit.

Packaging only happens for service units whose tests passed. The command
exits non-zero when the format policy or any unit fails.`,
	Example: `  buildbox build
  buildbox build --units server,harness --fail-fast
  buildbox build --format-check --db ./buildbox.db`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildConfigFile, "config", "c", "", "Path to buildbox.yaml (default: search ./, ./config, /etc/buildbox)")
	buildCmd.Flags().StringSliceVarP(&buildUnits, "units", "u", nil, "Build only these units and their dependencies")
	buildCmd.Flags().BoolVar(&buildFailFast, "fail-fast", false, "Cancel remaining units after the first failure")
	buildCmd.Flags().BoolVar(&buildFormatCheck, "format-check", false, "Fail on unformatted files instead of rewriting them")
	buildCmd.Flags().BoolVar(&buildSandbox, "sandbox", false, "Only allow known build tools in stage commands")
	buildCmd.Flags().StringVar(&buildDBPath, "db", "", "Record the run in this history database")
}

func runBuild(cmd *cobra.Command, args []string) error {
	configPath, err := workspace.Find(buildConfigFile)
	if err != nil {
		return err
	}
	ws, err := workspace.Load(configPath)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cmd, "")
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	runner := build.NewRunner(ws, runID, logger)
	if buildSandbox {
		runner.Executor.Sandbox = build.NewSandbox(ws)
	}

	mode := format.Apply
	if buildFormatCheck {
		mode = format.Check
	}

	report, err := orchestrator.New(ws, runner, logger, runID).Run(ctx, orchestrator.Options{
		Units:      buildUnits,
		FailFast:   buildFailFast,
		FormatMode: mode,
	})
	if err != nil {
		return err
	}

	if buildDBPath != "" {
		if err := recordRun(ctx, buildDBPath, ws, report); err != nil {
			logger.Error("Failed to record run in history", "error", err)
		}
	}

	printSummary(cmd.OutOrStdout(), report)

	if report.Failed() {
		return errPipelineFailed
	}
	return nil
}

func recordRun(ctx context.Context, dbPath string, ws *workspace.Workspace, report *orchestrator.Report) error {
	hist, err := history.NewHistory(dbPath)
	if err != nil {
		return err
	}
	defer hist.Close()

	record := history.FromReport(report, ws.Plugins)
	record.Workspace = ws.Group
	record.Trigger = "cli"

	// The run may have been interrupted; the record is still written.
	_, err = hist.RecordRun(context.WithoutCancel(ctx), record)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", report.RunID, err)
	}
	return nil
}
