package testrun

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedRun = `{"Action":"start","Package":"example.com/cars/server/api"}
{"Action":"run","Package":"example.com/cars/server/api","Test":"TestCreateCar"}
{"Action":"output","Package":"example.com/cars/server/api","Test":"TestCreateCar","Output":"=== RUN   TestCreateCar\n"}
{"Action":"pass","Package":"example.com/cars/server/api","Test":"TestCreateCar","Elapsed":0.01}
{"Action":"run","Package":"example.com/cars/server/api","Test":"TestDeleteCar"}
{"Action":"output","Package":"example.com/cars/server/api","Test":"TestDeleteCar","Output":"    api_test.go:42: expected 204, got 500\n"}
{"Action":"fail","Package":"example.com/cars/server/api","Test":"TestDeleteCar","Elapsed":0.02}
{"Action":"skip","Package":"example.com/cars/server/api","Test":"TestSlow","Elapsed":0}
{"Action":"fail","Package":"example.com/cars/server/api","Elapsed":0.5}
{"Action":"pass","Package":"example.com/cars/server/store","Test":"TestSave","Elapsed":0.1}
{"Action":"pass","Package":"example.com/cars/server/store","Elapsed":0.25}
`

func TestParse_MixedRun(t *testing.T) {
	report, err := Parse(strings.NewReader(mixedRun))
	require.NoError(t, err)

	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.False(t, report.Success())
	assert.Equal(t, []string{"example.com/cars/server/api.TestDeleteCar"}, report.FailedNames())
	assert.Contains(t, report.Failures[0].Output, "expected 204, got 500")
	assert.InDelta(t, 0.75, report.Elapsed, 0.0001)

	require.Len(t, report.Packages, 2)
	assert.Equal(t, PackageResult{Name: "example.com/cars/server/api", Action: "fail", Elapsed: 0.5}, report.Packages[0])
	assert.Equal(t, "pass", report.Packages[1].Action)
}

func TestParse_AllPass(t *testing.T) {
	input := `{"Action":"pass","Package":"p","Test":"TestA"}
{"Action":"pass","Package":"p","Test":"TestA/sub"}
{"Action":"pass","Package":"p"}
`
	report, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, "2 passed, 0 failed, 0 skipped", report.Summary())
}

func TestParse_BuildFailure(t *testing.T) {
	input := `# example.com/cars/server/api
api/handler.go:12:2: undefined: carStore
{"Action":"output","Package":"example.com/cars/server/api","Output":"FAIL\texample.com/cars/server/api [build failed]\n"}
{"Action":"fail","Package":"example.com/cars/server/api","Elapsed":0}
`
	report, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.False(t, report.Success())
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, []string{"example.com/cars/server/api"}, report.FailedNames())
	assert.Contains(t, report.Failures[0].Output, "build failed")
	assert.Len(t, report.Stray, 2)
}

func TestParse_Empty(t *testing.T) {
	report, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.Empty(t, report.Packages)
}

func TestReport_Problems(t *testing.T) {
	report := &Report{Passed: 3}
	report.AddProblem("stub %s expected %d request(s), got %d", "GET /words", 1, 0)

	assert.False(t, report.Success())
	assert.Equal(t, "3 passed, 0 failed, 0 skipped (stub GET /words expected 1 request(s), got 0)", report.Summary())
}

func TestStore_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := NewStore(dir, WithNow(func() time.Time { return fixed }), WithIndex(true))

	report, err := Parse(strings.NewReader(mixedRun))
	require.NoError(t, err)
	report.Unit = "server"
	report.RunID = "run-1"

	path, err := store.Save(report)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), path)
	assert.Equal(t, fixed, report.StartedAt)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "server", loaded.Unit)
	assert.Equal(t, report.FailedNames(), loaded.FailedNames())
	assert.Equal(t, report.Passed, loaded.Passed)

	index, err := os.ReadFile(filepath.Join(dir, "index.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(index), `"id":"run-1"`)
	assert.Contains(t, string(index), `"success":false`)
}

func TestStore_SaveWithoutRunID(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	store := NewStore(dir, WithNow(func() time.Time { return fixed }))

	path, err := store.Save(&Report{Unit: "integration-tests"})
	require.NoError(t, err)
	assert.Equal(t, "20260304T050607Z.json", filepath.Base(path))

	_, err = os.Stat(filepath.Join(dir, "index.jsonl"))
	assert.True(t, os.IsNotExist(err), "index is opt-in")
}

func TestStore_SaveIndexFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "index.jsonl"), 0755))
	store := NewStore(dir, WithIndex(true))

	_, err := store.Save(&Report{Unit: "server", RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report index")
}
