package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"buildbox/internal/gomod"
	"buildbox/internal/image"
	"buildbox/internal/security"
	"buildbox/internal/stub"
	"buildbox/internal/testrun"
	"buildbox/internal/workspace"
	"buildbox/pkg/cmdutil"
	"buildbox/pkg/fileutil"
)

// ImageBuilder builds a container image for a unit.
type ImageBuilder interface {
	Build(ctx context.Context, spec image.Spec) (*image.Result, error)
}

// Runner takes units through resolve, compile, test and package.
type Runner struct {
	Workspace *workspace.Workspace
	Layout    Layout
	Executor  *Executor
	Images    ImageBuilder
	Logger    *slog.Logger
	RunID     string
	now       func() time.Time
}

// NewRunner creates a runner for one pipeline run of ws.
func NewRunner(ws *workspace.Workspace, runID string, logger *slog.Logger) *Runner {
	return &Runner{
		Workspace: ws,
		Layout:    Layout{Root: ws.ArtifactsDir},
		Executor:  NewExecutor(BaseEnv(ws)),
		Images:    image.NewBuilder(),
		Logger:    logger,
		RunID:     runID,
		now:       time.Now,
	}
}

// BaseEnv is the environment every stage command runs with: the workspace
// mirror, read-only module resolution and the local toolchain only.
func BaseEnv(ws *workspace.Workspace) map[string]string {
	env := map[string]string{
		"GOPROXY":     ws.Repository,
		"GOFLAGS":     "-mod=readonly",
		"GOTOOLCHAIN": "local",
	}
	if ws.CacheDir != "" {
		env["GOMODCACHE"] = ws.CacheDir
	}
	return env
}

// TestCommand expands the {args} placeholder of the shared test platform
// command with a unit's test args. Without a placeholder args are appended.
func TestCommand(platform, args []string) []string {
	out := make([]string, 0, len(platform)+len(args))
	placed := false
	for _, p := range platform {
		if p == workspace.ArgsPlaceholder {
			out = append(out, args...)
			placed = true
			continue
		}
		out = append(out, p)
	}
	if !placed {
		out = append(out, args...)
	}
	return out
}

// unitRun carries state between the stages of one unit.
type unitRun struct {
	unit   *workspace.Unit
	deps   map[string]*UnitResult
	result *UnitResult
	mod    *gomod.Module
	logger *slog.Logger
}

// RunUnit runs every stage of unit in order and stops at the first failure.
// deps holds the results of the unit's dependencies.
func (r *Runner) RunUnit(ctx context.Context, unit *workspace.Unit, deps map[string]*UnitResult) *UnitResult {
	run := &unitRun{
		unit:   unit,
		deps:   deps,
		result: NewUnitResult(unit.Name, unit.Kind),
		logger: r.Logger.With("run_id", r.RunID, "unit", unit.Name),
	}
	run.result.StartedAt = r.now().UTC()
	start := time.Now()

	steps := []struct {
		stage Stage
		fn    func(context.Context, *unitRun, *StageResult) error
	}{
		{StageResolve, r.resolve},
		{StageCompile, r.compile},
		{StageTest, r.test},
		{StagePackage, r.pack},
	}

	for _, step := range steps {
		sr := run.result.Stage(step.stage)

		if step.stage == StagePackage {
			if reason := packageSkipReason(unit); reason != "" {
				sr.State = StateSkipped
				sr.SkipReason = reason
				run.logger.Info("stage skipped", "stage", step.stage, "reason", reason)
				continue
			}
		}

		if err := ctx.Err(); err != nil {
			sr.State = StateFailed
			sr.Err = NewStageError(unit.Name, step.stage, KindCancelled, err)
			run.result.Err = sr.Err
			break
		}

		sr.State = StateRunning
		stageStart := time.Now()
		run.logger.Info("stage started", "stage", step.stage)

		err := step.fn(ctx, run, sr)
		sr.Duration = time.Since(stageStart)

		if err != nil {
			sr.State = StateFailed
			sr.Err = err
			run.result.Err = err
			run.logger.Error("stage failed",
				"stage", step.stage,
				"duration_ms", sr.Duration.Milliseconds(),
				"error", err)
			break
		}

		sr.State = StatePassed
		run.logger.Info("stage passed", "stage", step.stage, "duration_ms", sr.Duration.Milliseconds())
	}

	run.result.SkipRemaining(SkipEarlierStage)
	run.result.Duration = time.Since(start)
	return run.result
}

func packageSkipReason(unit *workspace.Unit) string {
	switch {
	case unit.Kind == workspace.KindHarness:
		return SkipHarness
	case !unit.Package.Enabled:
		return SkipDisabled
	}
	return ""
}

func (r *Runner) resolve(ctx context.Context, run *unitRun, sr *StageResult) error {
	unit := run.unit
	fail := func(err error) error {
		return NewStageError(unit.Name, StageResolve, KindDependency, err)
	}

	for _, dep := range unit.DependsOn {
		depResult := run.deps[dep]
		if depResult == nil || !depResult.Passed() {
			return fail(fmt.Errorf("dependency %s did not complete successfully", dep))
		}
		depUnit, ok := r.Workspace.Units[dep]
		if !ok {
			return fail(fmt.Errorf("unknown dependency %s", dep))
		}
		artifact := r.Layout.Artifact(depUnit)
		if _, err := os.Stat(artifact); err != nil {
			return fail(fmt.Errorf("artifact of %s is unavailable: %w", dep, err))
		}
	}

	mod, err := gomod.Parse(unit.Path)
	if err != nil {
		return fail(err)
	}
	run.mod = mod

	digest, err := gomod.ResolutionDigest(mod)
	if err != nil {
		return fail(err)
	}
	run.result.Digest = digest
	run.logger.Debug("resolution digest", "digest", digest, "requirements", len(mod.Requirements))

	res, err := r.Executor.Run(ctx, Command{Dir: unit.Path, Args: unit.ResolveCommand, Timeout: unit.ResolveTimeout})
	if res != nil {
		sr.Output = tail(res.Output(), maxStageOutput)
	}
	if err != nil {
		return fail(err)
	}
	return nil
}

func (r *Runner) compile(ctx context.Context, run *unitRun, sr *StageResult) error {
	unit := run.unit
	fail := func(err error) error {
		return NewStageError(unit.Name, StageCompile, KindCompile, err)
	}

	violations, err := gomod.LanguageViolations(run.mod, unit.LanguageVersion)
	if err != nil {
		return fail(err)
	}
	if len(violations) > 0 {
		return fail(fmt.Errorf("source does not satisfy language version %s:\n  %s",
			unit.LanguageVersion, strings.Join(violations, "\n  ")))
	}

	var output strings.Builder
	res, err := r.Executor.Run(ctx, Command{Dir: unit.Path, Args: unit.CompileCommand, Timeout: unit.CompileTimeout})
	if res != nil {
		output.WriteString(res.Output())
	}
	sr.Output = tail(output.String(), maxStageOutput)
	if err != nil {
		return fail(err)
	}

	if !unit.HasArtifact() {
		run.result.Artifact = unit.Path
		return nil
	}

	binary := r.Layout.BinaryPath(unit.Name)
	if err := security.CreateSecureDir(filepath.Dir(binary), security.PermDirectory); err != nil {
		return fail(err)
	}
	if err := os.Remove(binary); err != nil && !os.IsNotExist(err) {
		return fail(fmt.Errorf("failed to remove stale artifact: %w", err))
	}

	args := cmdutil.Substitute(unit.ArtifactCommand, map[string]string{workspace.OutputPlaceholder: binary})
	res, err = r.Executor.Run(ctx, Command{Dir: unit.Path, Args: args, Timeout: unit.CompileTimeout})
	if res != nil {
		output.WriteString(res.Output())
	}
	sr.Output = tail(output.String(), maxStageOutput)
	if err != nil {
		return fail(err)
	}
	if !fileutil.FileExists(binary) {
		return fail(fmt.Errorf("artifact command did not produce %s", binary))
	}

	run.result.Artifact = binary
	return nil
}

func (r *Runner) test(ctx context.Context, run *unitRun, sr *StageResult) error {
	unit := run.unit
	fail := func(err error) error {
		return NewStageError(unit.Name, StageTest, KindTest, err)
	}

	env := map[string]string{
		"BUILDBOX_UNIT":   unit.Name,
		"BUILDBOX_RUN_ID": r.RunID,
	}
	for _, dep := range unit.DependsOn {
		env[ArtifactEnvVar(dep)] = r.Layout.Artifact(r.Workspace.Units[dep])
	}

	var stubs *stub.Server
	if len(unit.Stubs) > 0 {
		defs, err := stub.Load(unit.Stubs...)
		if err != nil {
			return fail(err)
		}
		stubs = stub.NewServer(defs, run.logger)
		url, err := stubs.Start()
		if err != nil {
			return fail(err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = stubs.Close(closeCtx)
		}()
		env[stub.EnvURL] = url
	}

	args := TestCommand(r.Workspace.TestCommand, unit.TestArgs)
	res, runErr := r.Executor.Run(ctx, Command{
		Dir:      unit.Path,
		Args:     args,
		Timeout:  unit.TestTimeout,
		Env:      env,
		Separate: true,
	})
	if res == nil {
		return fail(runErr)
	}

	report, err := testrun.Parse(strings.NewReader(res.Stdout))
	if err != nil {
		return fail(err)
	}
	report.Unit = unit.Name
	report.RunID = r.RunID

	switch {
	case res.TimedOut:
		report.AddProblem("test command timed out after %ds", unit.TestTimeout)
	case !res.OK() && report.Success():
		report.AddProblem("test command failed: %v", runErr)
	}
	if stubs != nil {
		for _, problem := range stubs.Verify(r.Workspace.StrictStubs) {
			report.AddProblem("%s", problem)
		}
	}

	sr.Output = tail(res.Stderr+strings.Join(report.Stray, "\n"), maxStageOutput)

	store := testrun.NewStore(r.Layout.ReportsDir(unit.Name), testrun.WithIndex(true), testrun.WithNow(r.now))
	path, err := store.Save(report)
	if err != nil {
		return fail(err)
	}
	run.result.Report = report
	run.result.ReportPath = path

	if !report.Success() {
		msg := report.Summary()
		if names := report.FailedNames(); len(names) > 0 {
			msg += "; failed: " + strings.Join(names, ", ")
		}
		return fail(fmt.Errorf("%s", msg))
	}
	return nil
}

func (r *Runner) pack(ctx context.Context, run *unitRun, sr *StageResult) error {
	unit := run.unit
	fail := func(err error) error {
		return NewStageError(unit.Name, StagePackage, KindPackaging, err)
	}

	releases := r.Layout.Releases(unit.Name)
	releaseDir, err := releases.Create()
	if err != nil {
		return fail(err)
	}

	pkg := unit.Package
	result, err := r.Images.Build(ctx, image.Spec{
		Unit:       unit.Name,
		Binary:     run.result.Artifact,
		BaseImage:  pkg.BaseImage,
		Image:      pkg.Image,
		Tag:        pkg.Tag,
		Platform:   pkg.Platform,
		Group:      r.Workspace.Group,
		Version:    r.Workspace.Version,
		Labels:     pkg.Labels,
		Push:       pkg.Push,
		ReleaseDir: releaseDir,
	})
	if err != nil {
		_ = os.RemoveAll(releaseDir)
		return fail(err)
	}

	if err := releases.Activate(releaseDir); err != nil {
		return fail(err)
	}
	run.result.Image = result
	sr.Output = fmt.Sprintf("%s %s\n", result.Reference, result.Digest)

	if removed, err := releases.Cleanup(pkg.KeepReleases); err != nil {
		run.logger.Warn("release cleanup failed", "error", err)
	} else if len(removed) > 0 {
		run.logger.Info("removed old releases", "count", len(removed))
	}
	return nil
}
