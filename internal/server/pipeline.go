package server

import (
	"context"
	"log/slog"

	"buildbox/internal/build"
	"buildbox/internal/format"
	"buildbox/internal/orchestrator"
	"buildbox/internal/workspace"
)

// Outcome is what a webhook-triggered run produced.
type Outcome struct {
	Commit  string
	Plugins map[string]string
	Report  *orchestrator.Report
}

// Pipeline runs the build pipeline for a served workspace.
type Pipeline interface {
	Run(ctx context.Context, entry *workspace.Entry, runID string) (*Outcome, error)
}

// WorkspacePipeline syncs the checkout and runs every unit of the workspace.
// Webhook runs never rewrite sources, so the format policy runs in check mode.
type WorkspacePipeline struct {
	Logger *slog.Logger
}

func (p *WorkspacePipeline) Run(ctx context.Context, entry *workspace.Entry, runID string) (*Outcome, error) {
	commit, err := SyncCheckout(ctx, entry)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Commit: commit}

	ws, err := workspace.Load(entry.ConfigFile)
	if err != nil {
		return outcome, build.NewStageError("", "", build.KindConfig, err)
	}
	outcome.Plugins = ws.Plugins

	logger := p.Logger.With("workspace", entry.Name)

	runner := build.NewRunner(ws, runID, logger)
	runner.Executor.Sandbox = build.NewSandbox(ws)

	report, err := orchestrator.New(ws, runner, logger, runID).Run(ctx, orchestrator.Options{
		FormatMode: format.Check,
	})
	outcome.Report = report
	return outcome, err
}
