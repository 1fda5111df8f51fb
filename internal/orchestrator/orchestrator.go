// Package orchestrator runs a workspace pipeline: the root format policy
// first, then every selected unit in dependency order.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"buildbox/internal/build"
	"buildbox/internal/format"
	"buildbox/internal/workspace"
)

// UnitRunner runs the stages of a single unit.
type UnitRunner interface {
	RunUnit(ctx context.Context, unit *workspace.Unit, deps map[string]*build.UnitResult) *build.UnitResult
}

// Options selects what a run does.
type Options struct {
	// Units restricts the run to these units and their dependencies.
	Units []string
	// FailFast cancels units still running once any unit fails.
	FailFast bool
	// FormatMode is format.Apply to rewrite files or format.Check to only
	// report them.
	FormatMode format.Mode
}

// Orchestrator schedules units of one workspace.
type Orchestrator struct {
	Workspace *workspace.Workspace
	Runner    UnitRunner
	Logger    *slog.Logger
	RunID     string
	now       func() time.Time
}

func New(ws *workspace.Workspace, runner UnitRunner, logger *slog.Logger, runID string) *Orchestrator {
	return &Orchestrator{
		Workspace: ws,
		Runner:    runner,
		Logger:    logger,
		RunID:     runID,
		now:       time.Now,
	}
}

// Run executes the pipeline. The returned error is non-nil only when the
// run could not start (unknown units, a dependency cycle); build failures
// are reported on the Report.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	ws := o.Workspace
	logger := o.Logger.With("run_id", o.RunID)

	names, err := ws.Select(opts.Units)
	if err != nil {
		return nil, build.NewStageError("", "", build.KindConfig, err)
	}
	order, err := ws.Order(names)
	if err != nil {
		return nil, build.NewStageError("", "", build.KindConfig, err)
	}

	report := &Report{
		RunID:     o.RunID,
		Group:     ws.Group,
		Version:   ws.Version,
		Order:     order,
		StartedAt: o.now().UTC(),
	}
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	logger.Info("pipeline started",
		"group", ws.Group,
		"units", len(order),
		"parallelism", ws.Parallelism)

	report.Format = o.runFormat(opts.FormatMode, logger)
	if report.Format.State == build.StateFailed {
		for _, name := range order {
			result := build.NewUnitResult(name, ws.Units[name].Kind)
			result.SkipRemaining(build.SkipFormat)
			report.Units = append(report.Units, result)
		}
		report.Err = report.Format.Err
		report.Status = StatusFailed
		logger.Error("pipeline halted by format policy", "error", report.Format.Err)
		return report, nil
	}

	results := o.schedule(ctx, order, opts.FailFast, logger)

	var errs []error
	for _, name := range order {
		result := results[name]
		report.Units = append(report.Units, result)
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
	}
	report.Err = errors.Join(errs...)

	switch {
	case report.Err == nil:
		report.Status = StatusPassed
	case ctx.Err() != nil:
		report.Status = StatusCancelled
	default:
		report.Status = StatusFailed
	}

	logger.Info("pipeline finished",
		"status", report.Status,
		"duration_ms", time.Since(start).Milliseconds())
	return report, nil
}

func (o *Orchestrator) runFormat(mode format.Mode, logger *slog.Logger) *FormatOutcome {
	ws := o.Workspace
	outcome := &FormatOutcome{Mode: mode}
	if ws.Format.Disabled {
		outcome.State = build.StateSkipped
		return outcome
	}

	start := time.Now()
	defer func() { outcome.Duration = time.Since(start) }()

	result, err := format.Run(FormatOptions(ws, mode))
	if err == nil {
		outcome.Result = result
		err = result.Err()
	}
	if err != nil {
		outcome.State = build.StateFailed
		outcome.Err = build.NewStageError("", build.StageFormat, build.KindFormatting, err)
		return outcome
	}

	outcome.State = build.StatePassed
	logger.Info("format policy passed",
		"mode", mode,
		"checked", result.Checked,
		"changed", len(result.Changed))
	return outcome
}

// FormatOptions applies the workspace format policy to the whole tree,
// leaving out the artifacts and module cache directories.
func FormatOptions(ws *workspace.Workspace, mode format.Mode) format.Options {
	skip := []string{ws.ArtifactsDir}
	if ws.CacheDir != "" {
		skip = append(skip, ws.CacheDir)
	}
	return format.Options{
		Root:        ws.Root,
		Targets:     ws.Format.Targets,
		Exclude:     ws.Format.Exclude,
		LocalPrefix: ws.Format.LocalPrefix,
		SkipDirs:    skip,
		Mode:        mode,
	}
}

// schedule runs units concurrently, each once all its dependencies are done.
// order is topological, so every unit's dependencies hold an errgroup slot
// or have finished before the unit asks for one.
func (o *Orchestrator) schedule(ctx context.Context, order []string, failFast bool, logger *slog.Logger) map[string]*build.UnitResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make(map[string]*build.UnitResult, len(order))

	g := new(errgroup.Group)
	g.SetLimit(max(1, o.Workspace.Parallelism))

	for _, name := range order {
		unit := o.Workspace.Units[name]
		g.Go(func() error {
			defer close(done[unit.Name])

			deps := make(map[string]*build.UnitResult, len(unit.DependsOn))
			for _, dep := range unit.DependsOn {
				<-done[dep]
				mu.Lock()
				deps[dep] = results[dep]
				mu.Unlock()
			}

			result := o.Runner.RunUnit(ctx, unit, deps)

			mu.Lock()
			results[unit.Name] = result
			mu.Unlock()

			if result.Err != nil && failFast {
				logger.Warn("cancelling remaining units", "failed_unit", unit.Name)
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
