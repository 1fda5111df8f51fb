// Package testrun turns `go test -json` output into a test-result report.
package testrun

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Event is one line of test2json output.
type Event struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// Failure is a failed test or a package that failed without a test
// (a build failure inside `go test`, for example).
type Failure struct {
	Package string `json:"package"`
	Test    string `json:"test,omitempty"`
	Output  string `json:"output,omitempty"`
}

// Name returns Package.Test, or Package for package-level failures.
func (f Failure) Name() string {
	if f.Test == "" {
		return f.Package
	}
	return f.Package + "." + f.Test
}

// PackageResult is the outcome of a single package.
type PackageResult struct {
	Name    string  `json:"name"`
	Action  string  `json:"action"`
	Elapsed float64 `json:"elapsed"`
}

// Report is the test-result report of one unit.
type Report struct {
	Unit      string          `json:"unit"`
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Passed    int             `json:"passed"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Failures  []Failure       `json:"failures,omitempty"`
	Packages  []PackageResult `json:"packages"`
	Elapsed   float64         `json:"elapsed"`
	// Problems are reasons the run failed that are not test events, such as
	// a non-zero exit with no failed test or a stub expectation mismatch.
	Problems []string `json:"problems,omitempty"`
	// Stray holds non-JSON lines (compiler errors printed by go test).
	Stray []string `json:"stray,omitempty"`
}

const maxOutputLines = 40

// Success reports whether the run had no failures of any kind.
func (r *Report) Success() bool {
	return r.Failed == 0 && len(r.Failures) == 0 && len(r.Problems) == 0
}

// FailedNames lists the failed tests and packages.
func (r *Report) FailedNames() []string {
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, f.Name())
	}
	return names
}

// AddProblem records a failure that no test event describes.
func (r *Report) AddProblem(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Summary is a one-line description for logs and the CLI.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%d passed, %d failed, %d skipped", r.Passed, r.Failed, r.Skipped)
	if len(r.Problems) > 0 {
		s += fmt.Sprintf(" (%s)", strings.Join(r.Problems, "; "))
	}
	return s
}

type testKey struct{ pkg, test string }

// Parse reads test2json events from r. Lines that are not JSON events are
// kept in Report.Stray instead of failing the parse.
func Parse(r io.Reader) (*Report, error) {
	report := &Report{}
	output := make(map[testKey][]string)
	packages := make(map[string]*PackageResult)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev Event
		if line[0] != '{' || json.Unmarshal(line, &ev) != nil || ev.Action == "" {
			report.Stray = append(report.Stray, string(line))
			continue
		}

		key := testKey{ev.Package, ev.Test}
		switch ev.Action {
		case "output":
			if lines := output[key]; len(lines) < maxOutputLines {
				output[key] = append(lines, ev.Output)
			}
		case "pass", "fail", "skip":
			if ev.Test == "" {
				if ev.Package != "" {
					packages[ev.Package] = &PackageResult{Name: ev.Package, Action: ev.Action, Elapsed: ev.Elapsed}
					report.Elapsed += ev.Elapsed
				}
				if ev.Action == "fail" {
					report.packageFailure(ev.Package, output[key])
				}
				continue
			}
			switch ev.Action {
			case "pass":
				report.Passed++
			case "skip":
				report.Skipped++
			case "fail":
				report.Failed++
				report.Failures = append(report.Failures, Failure{
					Package: ev.Package,
					Test:    ev.Test,
					Output:  strings.Join(output[key], ""),
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read test output: %w", err)
	}

	for _, p := range packages {
		report.Packages = append(report.Packages, *p)
	}
	sort.Slice(report.Packages, func(i, j int) bool {
		return report.Packages[i].Name < report.Packages[j].Name
	})

	return report, nil
}

// packageFailure records a failed package only when none of its tests failed,
// otherwise the test failures already describe it.
func (r *Report) packageFailure(pkg string, output []string) {
	for _, f := range r.Failures {
		if f.Package == pkg {
			return
		}
	}
	r.Failures = append(r.Failures, Failure{Package: pkg, Output: strings.Join(output, "")})
}
