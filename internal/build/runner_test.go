package build

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildbox/internal/image"
	"buildbox/internal/testrun"
	"buildbox/internal/workspace"
)

const passingEvents = `{"Action":"run","Package":"example.com/server","Test":"TestHealth"}
{"Action":"output","Package":"example.com/server","Test":"TestHealth","Output":"=== RUN   TestHealth\n"}
{"Action":"pass","Package":"example.com/server","Test":"TestHealth","Elapsed":0.01}
{"Action":"pass","Package":"example.com/server","Elapsed":0.02}
`

const failingEvents = `{"Action":"run","Package":"example.com/server","Test":"TestHealth"}
{"Action":"output","Package":"example.com/server","Test":"TestHealth","Output":"health_test.go:12: got 500\n"}
{"Action":"fail","Package":"example.com/server","Test":"TestHealth","Elapsed":0.01}
{"Action":"fail","Package":"example.com/server","Elapsed":0.02}
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newUnit writes a module directory whose "compiler" copies a file into
// place and whose "tests" print canned go test -json events.
func newUnit(t *testing.T, root, name string, kind workspace.Kind, events string) *workspace.Unit {
	t.Helper()
	dir := filepath.Join(root, name)
	writeFile(t, dir, "go.mod", "module example.com/"+name+"\n\ngo 1.22\n")
	writeFile(t, dir, "go.sum", "")
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "binary.src", "#!/bin/sh\nexit 0\n")
	writeFile(t, dir, "events.json", events)

	unit := &workspace.Unit{
		Name:            name,
		Path:            dir,
		Kind:            kind,
		LanguageVersion: "1.22",
		ResolveCommand:  []string{"true"},
		ResolveTimeout:  10,
		CompileCommand:  []string{"true"},
		CompileTimeout:  10,
		TestArgs:        []string{"events.json"},
		TestTimeout:     10,
	}
	if kind == workspace.KindService {
		unit.Main = "."
		unit.ArtifactCommand = []string{"cp", "binary.src", workspace.OutputPlaceholder}
		unit.Package = workspace.PackageSettings{
			Enabled:      true,
			BaseImage:    image.Scratch,
			Image:        name,
			Tag:          "0.0.1-SNAPSHOT",
			Platform:     "linux/amd64",
			KeepReleases: 2,
		}
	}
	return unit
}

func newRunner(t *testing.T, units ...*workspace.Unit) *Runner {
	t.Helper()
	ws := &workspace.Workspace{
		Root:         t.TempDir(),
		Group:        "com.example",
		Version:      "0.0.1-SNAPSHOT",
		Repository:   "off",
		ArtifactsDir: filepath.Join(t.TempDir(), "artifacts"),
		TestCommand:  []string{"cat", workspace.ArgsPlaceholder},
		Units:        map[string]*workspace.Unit{},
	}
	for _, u := range units {
		ws.Units[u.Name] = u
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(ws, "run-1", logger)
}

type failingImages struct{}

func (failingImages) Build(ctx context.Context, spec image.Spec) (*image.Result, error) {
	return nil, errors.New("registry unavailable")
}

func stageStates(r *UnitResult) map[Stage]State {
	states := make(map[Stage]State)
	for _, sr := range r.Stages {
		states[sr.Stage] = sr.State
	}
	return states
}

func TestRunUnit_ServicePasses(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	require.NoError(t, result.Err)
	assert.True(t, result.Passed())
	assert.Equal(t, map[Stage]State{
		StageResolve: StatePassed,
		StageCompile: StatePassed,
		StageTest:    StatePassed,
		StagePackage: StatePassed,
	}, stageStates(result))

	assert.Equal(t, r.Layout.BinaryPath("server"), result.Artifact)
	assert.FileExists(t, result.Artifact)
	assert.Contains(t, result.Digest, "sha256:")

	require.NotNil(t, result.Report)
	assert.Equal(t, 1, result.Report.Passed)
	assert.Equal(t, "run-1", result.Report.RunID)
	saved, err := testrun.Load(result.ReportPath)
	require.NoError(t, err)
	assert.Equal(t, "server", saved.Unit)

	require.NotNil(t, result.Image)
	assert.Equal(t, "server:0.0.1-SNAPSHOT", result.Image.Reference)
	assert.FileExists(t, result.Image.Tarball)

	current, err := r.Layout.Releases("server").Current()
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(filepath.Dir(result.Image.Tarball)), current)
}

func TestRunUnit_TestFailureSkipsPackaging(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, failingEvents)
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	require.Error(t, result.Err)
	assert.True(t, errors.Is(result.Err, ErrTestFailure))
	assert.Contains(t, result.Err.Error(), "example.com/server.TestHealth")
	assert.False(t, result.Passed())
	assert.True(t, result.PackagingSkipped())
	assert.Equal(t, SkipTestsFailed, result.Stage(StagePackage).SkipReason)
	assert.Nil(t, result.Image)

	releases, err := r.Layout.Releases("server").List()
	require.NoError(t, err)
	assert.Empty(t, releases)

	require.NotNil(t, result.Report)
	assert.Equal(t, 1, result.Report.Failed)
	assert.FileExists(t, result.ReportPath)
}

func TestRunUnit_CompileFailure(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	server.CompileCommand = []string{"sh", "-c", "echo 'main.go:3:1: syntax error' >&2; exit 2"}
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	assert.ErrorIs(t, result.Err, ErrCompile)
	assert.Equal(t, StageCompile, result.FailedStage().Stage)
	assert.Contains(t, result.Stage(StageCompile).Output, "syntax error")
	assert.Equal(t, StateSkipped, result.Stage(StageTest).State)
	assert.Equal(t, SkipEarlierStage, result.Stage(StagePackage).SkipReason)
	assert.False(t, result.PackagingSkipped())
	assert.NoFileExists(t, r.Layout.BinaryPath("server"))
}

func TestRunUnit_LanguageVersionViolation(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	writeFile(t, server.Path, "go.mod", "module example.com/server\n\ngo 1.23\n")
	server.CompileCommand = []string{"touch", "compiled"}
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	assert.ErrorIs(t, result.Err, ErrCompile)
	assert.Contains(t, result.Err.Error(), "go 1.23")
	assert.NoFileExists(t, filepath.Join(server.Path, "compiled"), "compiler must not run")
}

func TestRunUnit_ArtifactMissing(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	server.ArtifactCommand = []string{"true", workspace.OutputPlaceholder}
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	assert.ErrorIs(t, result.Err, ErrCompile)
	assert.Contains(t, result.Err.Error(), "did not produce")
}

func TestRunUnit_PackagingDisabled(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	server.Package.Enabled = false
	r := newRunner(t, server)

	result := r.RunUnit(context.Background(), server, nil)

	require.NoError(t, result.Err)
	assert.True(t, result.Passed())
	assert.Equal(t, SkipDisabled, result.Stage(StagePackage).SkipReason)
	assert.False(t, result.PackagingSkipped())
}

func TestRunUnit_PackagingError(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	r := newRunner(t, server)
	r.Images = failingImages{}

	result := r.RunUnit(context.Background(), server, nil)

	assert.ErrorIs(t, result.Err, ErrPackaging)
	assert.Contains(t, result.Err.Error(), "registry unavailable")
	assert.True(t, result.Stage(StageTest).State == StatePassed)
	releases, err := r.Layout.Releases("server").List()
	require.NoError(t, err)
	assert.Empty(t, releases, "failed release must be removed")
}

func TestRunUnit_HarnessUsesDependencyArtifact(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	harness := newUnit(t, root, "integration-tests", workspace.KindHarness, passingEvents)
	harness.DependsOn = []string{"server"}
	r := newRunner(t, server, harness)

	serverResult := r.RunUnit(context.Background(), server, nil)
	require.NoError(t, serverResult.Err)

	r.Workspace.TestCommand = []string{"sh", "-c", `test -f "$BUILDBOX_ARTIFACT_SERVER" && cat "$0"`, workspace.ArgsPlaceholder}

	result := r.RunUnit(context.Background(), harness, map[string]*UnitResult{"server": serverResult})

	require.NoError(t, result.Err)
	assert.True(t, result.Passed())
	assert.Equal(t, StatePassed, result.Stage(StageTest).State)
	assert.Equal(t, StateSkipped, result.Stage(StagePackage).State)
	assert.Equal(t, SkipHarness, result.Stage(StagePackage).SkipReason)
	assert.Nil(t, result.Image)
}

func TestRunUnit_HarnessDependencyFailed(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, failingEvents)
	harness := newUnit(t, root, "integration-tests", workspace.KindHarness, passingEvents)
	harness.DependsOn = []string{"server"}
	r := newRunner(t, server, harness)

	serverResult := r.RunUnit(context.Background(), server, nil)
	require.Error(t, serverResult.Err)

	result := r.RunUnit(context.Background(), harness, map[string]*UnitResult{"server": serverResult})

	assert.ErrorIs(t, result.Err, ErrDependencyResolution)
	assert.Equal(t, StageResolve, result.FailedStage().Stage)
	assert.Equal(t, SkipHarness, result.Stage(StagePackage).SkipReason)
	assert.Nil(t, result.Report, "harness tests must not run")
}

func TestRunUnit_HarnessDependencyMissing(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	harness := newUnit(t, root, "integration-tests", workspace.KindHarness, passingEvents)
	harness.DependsOn = []string{"server"}
	r := newRunner(t, server, harness)

	result := r.RunUnit(context.Background(), harness, nil)
	assert.ErrorIs(t, result.Err, ErrDependencyResolution)
}

func TestRunUnit_StubExpectations(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	server.Package.Enabled = false
	harness := newUnit(t, root, "integration-tests", workspace.KindHarness, passingEvents)
	harness.DependsOn = []string{"server"}
	writeFile(t, harness.Path, "stubs/payments.yaml", `stubs:
  - name: charge
    request:
      method: POST
      path: /v1/charges
    response:
      status: 201
      body: '{"id":"ch_1"}'
    expect: 1
`)
	harness.Stubs = []string{filepath.Join(harness.Path, "stubs/payments.yaml")}
	r := newRunner(t, server, harness)

	serverResult := r.RunUnit(context.Background(), server, nil)
	require.NoError(t, serverResult.Err)

	r.Workspace.TestCommand = []string{"sh", "-c", `test -n "$BUILDBOX_STUB_URL" && cat "$0"`, workspace.ArgsPlaceholder}

	result := r.RunUnit(context.Background(), harness, map[string]*UnitResult{"server": serverResult})

	assert.ErrorIs(t, result.Err, ErrTestFailure)
	require.NotNil(t, result.Report)
	assert.Equal(t, 1, result.Report.Passed)
	assert.Contains(t, result.Report.Problems, "stub charge expected 1 request(s), got 0")
}

func TestRunUnit_NonZeroExitWithoutFailedTests(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	r := newRunner(t, server)
	r.Workspace.TestCommand = []string{"sh", "-c", `cat "$0"; exit 1`, workspace.ArgsPlaceholder}

	result := r.RunUnit(context.Background(), server, nil)

	assert.ErrorIs(t, result.Err, ErrTestFailure)
	require.NotNil(t, result.Report)
	require.Len(t, result.Report.Problems, 1)
	assert.Contains(t, result.Report.Problems[0], "test command failed")
	assert.True(t, result.PackagingSkipped())
}

func TestRunUnit_Cancelled(t *testing.T) {
	root := t.TempDir()
	server := newUnit(t, root, "server", workspace.KindService, passingEvents)
	r := newRunner(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.RunUnit(ctx, server, nil)

	assert.ErrorIs(t, result.Err, ErrCancelled)
	assert.Equal(t, StageResolve, result.FailedStage().Stage)
	assert.Equal(t, StateSkipped, result.Stage(StageCompile).State)
}

func TestTestCommand(t *testing.T) {
	tests := []struct {
		name     string
		platform []string
		args     []string
		want     []string
	}{
		{
			"placeholder before packages",
			[]string{"go", "test", "-json", "{args}", "./..."},
			[]string{"-race", "-short"},
			[]string{"go", "test", "-json", "-race", "-short", "./..."},
		},
		{
			"placeholder with no args",
			[]string{"go", "test", "{args}", "./..."},
			nil,
			[]string{"go", "test", "./..."},
		},
		{
			"no placeholder appends",
			[]string{"gotestsum", "--jsonfile", "out.json", "--"},
			[]string{"-count=1"},
			[]string{"gotestsum", "--jsonfile", "out.json", "--", "-count=1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TestCommand(tt.platform, tt.args))
		})
	}
}

func TestBaseEnv(t *testing.T) {
	ws := &workspace.Workspace{Repository: "https://proxy.example.com"}
	env := BaseEnv(ws)
	assert.Equal(t, "https://proxy.example.com", env["GOPROXY"])
	assert.Equal(t, "-mod=readonly", env["GOFLAGS"])
	assert.NotContains(t, env, "GOMODCACHE")

	ws.CacheDir = "/var/cache/buildbox"
	assert.Equal(t, "/var/cache/buildbox", BaseEnv(ws)["GOMODCACHE"])
}

func TestArtifactEnvVar(t *testing.T) {
	assert.Equal(t, "BUILDBOX_ARTIFACT_SERVER", ArtifactEnvVar("server"))
	assert.Equal(t, "BUILDBOX_ARTIFACT_PAYMENTS_API", ArtifactEnvVar("payments-api"))
}
