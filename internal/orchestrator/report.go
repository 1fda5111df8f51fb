package orchestrator

import (
	"time"

	"buildbox/internal/build"
	"buildbox/internal/format"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// FormatOutcome is the result of the root format policy.
type FormatOutcome struct {
	Mode     format.Mode
	State    build.State
	Result   *format.Result
	Duration time.Duration
	Err      error
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID     string
	Group     string
	Version   string
	Order     []string
	StartedAt time.Time
	Duration  time.Duration
	Format    *FormatOutcome
	// Units holds one result per selected unit, in dependency order.
	Units  []*build.UnitResult
	Status Status
	// Err joins every unit error, or holds the format policy error.
	Err error
}

// Failed reports whether the run must exit non-zero.
func (r *Report) Failed() bool {
	return r.Status != StatusPassed
}

// ExitCode is the process exit code for the run.
func (r *Report) ExitCode() int {
	if r.Failed() {
		return 1
	}
	return 0
}

// Unit returns the result of the named unit, or nil.
func (r *Report) Unit(name string) *build.UnitResult {
	for _, u := range r.Units {
		if u.Unit == name {
			return u
		}
	}
	return nil
}

// Counts returns how many units passed and failed.
func (r *Report) Counts() (passed, failed int) {
	for _, u := range r.Units {
		if u.Passed() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}
