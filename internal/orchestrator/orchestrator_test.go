package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildbox/internal/build"
	"buildbox/internal/format"
	"buildbox/internal/workspace"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	deps    map[string][]string
	fail    map[string]bool
	hold    map[string]time.Duration
	started chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		deps:    map[string][]string{},
		fail:    map[string]bool{},
		hold:    map[string]time.Duration{},
		started: make(chan string, 16),
	}
}

func (f *fakeRunner) RunUnit(ctx context.Context, unit *workspace.Unit, deps map[string]*build.UnitResult) *build.UnitResult {
	f.mu.Lock()
	f.calls = append(f.calls, unit.Name)
	for name, r := range deps {
		if r != nil && r.Passed() {
			f.deps[unit.Name] = append(f.deps[unit.Name], name)
		}
	}
	f.mu.Unlock()
	f.started <- unit.Name

	result := build.NewUnitResult(unit.Name, unit.Kind)

	if d := f.hold[unit.Name]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			result.Err = build.NewStageError(unit.Name, build.StageTest, build.KindCancelled, ctx.Err())
			result.Stage(build.StageTest).State = build.StateFailed
			result.SkipRemaining(build.SkipEarlierStage)
			return result
		}
	}

	if f.fail[unit.Name] {
		result.Stage(build.StageResolve).State = build.StatePassed
		result.Stage(build.StageCompile).State = build.StatePassed
		result.Stage(build.StageTest).State = build.StateFailed
		result.Err = build.NewStageError(unit.Name, build.StageTest, build.KindTest, errors.New("1 failed"))
		result.SkipRemaining(build.SkipEarlierStage)
		return result
	}

	for _, sr := range result.Stages {
		sr.State = build.StatePassed
	}
	return result
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newWorkspace(t *testing.T, units ...*workspace.Unit) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	ws := &workspace.Workspace{
		Root:         root,
		Group:        "com.example",
		Version:      "0.0.1-SNAPSHOT",
		Parallelism:  2,
		ArtifactsDir: filepath.Join(root, ".buildbox"),
		Format: workspace.FormatPolicy{
			Targets: []string{"**/*.go", "**/go.mod"},
		},
		Units: map[string]*workspace.Unit{},
	}
	for _, u := range units {
		ws.Units[u.Name] = u
	}
	return ws
}

func service(name string, deps ...string) *workspace.Unit {
	return &workspace.Unit{Name: name, Kind: workspace.KindService, DependsOn: deps}
}

func harness(name string, deps ...string) *workspace.Unit {
	return &workspace.Unit{Name: name, Kind: workspace.KindHarness, DependsOn: deps}
}

func newOrchestrator(ws *workspace.Workspace, runner UnitRunner) *Orchestrator {
	return New(ws, runner, slog.New(slog.NewTextHandler(io.Discard, nil)), "run-1")
}

func TestRun_AllPass(t *testing.T) {
	ws := newWorkspace(t, service("server"), harness("integration-tests", "server"))
	runner := newFakeRunner()

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusPassed, report.Status)
	assert.False(t, report.Failed())
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, []string{"server", "integration-tests"}, report.Order)
	assert.Equal(t, []string{"server", "integration-tests"}, runner.Calls())
	assert.Equal(t, []string{"server"}, runner.deps["integration-tests"])
	assert.Equal(t, build.StatePassed, report.Format.State)

	passed, failed := report.Counts()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 0, failed)
}

func TestRun_FailureExitsNonZero(t *testing.T) {
	ws := newWorkspace(t, service("server"), harness("integration-tests", "server"))
	runner := newFakeRunner()
	runner.fail["server"] = true

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 1, report.ExitCode())
	assert.ErrorIs(t, report.Err, build.ErrTestFailure)
	assert.Empty(t, runner.deps["integration-tests"], "failed dependency is handed over as failed")
	require.NotNil(t, report.Unit("server"))
	assert.True(t, report.Unit("server").PackagingSkipped())
}

func TestRun_IndependentUnitsRunConcurrently(t *testing.T) {
	ws := newWorkspace(t, service("billing"), service("shipping"))
	runner := newFakeRunner()
	runner.hold["billing"] = 5 * time.Second
	runner.hold["shipping"] = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *Report, 1)
	go func() {
		report, _ := newOrchestrator(ws, runner).Run(ctx, Options{})
		done <- report
	}()

	started := map[string]bool{}
	for len(started) < 2 {
		select {
		case name := <-runner.started:
			started[name] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("units did not start concurrently, started: %v", started)
		}
	}

	cancel()
	report := <-done
	assert.Equal(t, StatusCancelled, report.Status)
	assert.ErrorIs(t, report.Err, build.ErrCancelled)
}

func TestRun_ParallelismOneSerializes(t *testing.T) {
	ws := newWorkspace(t, service("billing"), service("shipping"))
	ws.Parallelism = 1
	runner := newFakeRunner()
	runner.hold["billing"] = 50 * time.Millisecond

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, report.Status)
	assert.Equal(t, []string{"billing", "shipping"}, runner.Calls())
}

func TestRun_FailFastCancelsRunningUnits(t *testing.T) {
	ws := newWorkspace(t, service("billing"), service("shipping"))
	runner := newFakeRunner()
	runner.fail["billing"] = true
	runner.hold["shipping"] = 10 * time.Second

	start := time.Now()
	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{FailFast: true})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusFailed, report.Status)
	assert.ErrorIs(t, report.Unit("billing").Err, build.ErrTestFailure)
	assert.ErrorIs(t, report.Unit("shipping").Err, build.ErrCancelled)
}

func TestRun_WithoutFailFastOthersFinish(t *testing.T) {
	ws := newWorkspace(t, service("billing"), service("shipping"))
	runner := newFakeRunner()
	runner.fail["billing"] = true
	runner.hold["shipping"] = 50 * time.Millisecond

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.True(t, report.Unit("shipping").Passed())
}

func TestRun_SelectionIncludesDependencies(t *testing.T) {
	ws := newWorkspace(t, service("server"), harness("integration-tests", "server"), service("admin"))
	runner := newFakeRunner()

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{Units: []string{"integration-tests"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"server", "integration-tests"}, report.Order)
	assert.Nil(t, report.Unit("admin"))
}

func TestRun_UnknownUnit(t *testing.T) {
	ws := newWorkspace(t, service("server"))

	_, err := newOrchestrator(ws, newFakeRunner()).Run(context.Background(), Options{Units: []string{"nope"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, build.ErrConfig)
	assert.Contains(t, err.Error(), "unknown unit 'nope'")
}

func TestRun_DependencyCycle(t *testing.T) {
	ws := newWorkspace(t, service("a", "b"), service("b", "a"))

	_, err := newOrchestrator(ws, newFakeRunner()).Run(context.Background(), Options{})
	require.Error(t, err)

	var cycle *workspace.CycleError
	assert.True(t, errors.As(err, &cycle))
}

func writeSource(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const unformatted = "package main\nfunc main(){\n}\n"

func TestRun_FormatViolationHaltsBuild(t *testing.T) {
	ws := newWorkspace(t, service("server"), harness("integration-tests", "server"))
	writeSource(t, ws.Root, "server/main.go", unformatted)
	runner := newFakeRunner()

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{FormatMode: format.Check})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, report.Status)
	assert.ErrorIs(t, report.Err, build.ErrFormattingViolation)
	assert.Contains(t, report.Err.Error(), "server/main.go")
	assert.Empty(t, runner.Calls(), "no unit may start after a format violation")

	require.Len(t, report.Units, 2)
	for _, u := range report.Units {
		assert.Equal(t, build.StateSkipped, u.Stage(build.StageResolve).State)
		assert.Equal(t, build.SkipFormat, u.Stage(build.StageResolve).SkipReason)
	}
}

func TestRun_FormatApplyRewritesAndContinues(t *testing.T) {
	ws := newWorkspace(t, service("server"))
	path := writeSource(t, ws.Root, "server/main.go", unformatted)
	runner := newFakeRunner()

	report, err := newOrchestrator(ws, runner).Run(context.Background(), Options{FormatMode: format.Apply})
	require.NoError(t, err)

	assert.Equal(t, StatusPassed, report.Status)
	assert.Equal(t, []string{"server/main.go"}, report.Format.Result.Changed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {\n}\n", string(data))
}

func TestRun_FormatSkipsArtifactsDir(t *testing.T) {
	ws := newWorkspace(t, service("server"))
	writeSource(t, ws.ArtifactsDir, "server/bin/generated.go", unformatted)

	report, err := newOrchestrator(ws, newFakeRunner()).Run(context.Background(), Options{FormatMode: format.Check})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, report.Status)
}

func TestRun_FormatDisabled(t *testing.T) {
	ws := newWorkspace(t, service("server"))
	ws.Format.Disabled = true
	writeSource(t, ws.Root, "server/main.go", unformatted)

	report, err := newOrchestrator(ws, newFakeRunner()).Run(context.Background(), Options{FormatMode: format.Check})
	require.NoError(t, err)
	assert.Equal(t, StatusPassed, report.Status)
	assert.Equal(t, build.StateSkipped, report.Format.State)
}
