package build

import (
	"time"

	"buildbox/internal/image"
	"buildbox/internal/testrun"
	"buildbox/internal/workspace"
)

// Stage names a step of the pipeline.
type Stage string

const (
	StageFormat  Stage = "format"
	StageResolve Stage = "resolve"
	StageCompile Stage = "compile"
	StageTest    Stage = "test"
	StagePackage Stage = "package"
)

// UnitStages are the stages every unit goes through, in order.
var UnitStages = []Stage{StageResolve, StageCompile, StageTest, StagePackage}

// State is the outcome of a stage.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
	StateSkipped State = "skipped"
)

// Reasons recorded on skipped stages.
const (
	SkipTestsFailed  = "tests failed"
	SkipEarlierStage = "an earlier stage failed"
	SkipDisabled     = "packaging disabled"
	SkipHarness      = "test-harness units never package"
	SkipFormat       = "format policy failed"
)

// StageResult records one stage of one unit.
type StageResult struct {
	Stage      Stage         `json:"stage"`
	State      State         `json:"state"`
	Duration   time.Duration `json:"duration"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Output     string        `json:"output,omitempty"`
	Err        error         `json:"-"`
}

// UnitResult records a unit's run through the pipeline.
type UnitResult struct {
	Unit       string          `json:"unit"`
	Kind       workspace.Kind  `json:"kind"`
	Stages     []*StageResult  `json:"stages"`
	Digest     string          `json:"digest,omitempty"`
	Artifact   string          `json:"artifact,omitempty"`
	Report     *testrun.Report `json:"report,omitempty"`
	ReportPath string          `json:"report_path,omitempty"`
	Image      *image.Result   `json:"image,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Err        error           `json:"-"`
}

// NewUnitResult creates a result with every stage pending.
func NewUnitResult(unit string, kind workspace.Kind) *UnitResult {
	r := &UnitResult{Unit: unit, Kind: kind}
	for _, s := range UnitStages {
		r.Stages = append(r.Stages, &StageResult{Stage: s, State: StatePending})
	}
	return r
}

// Stage returns the result of the named stage, or nil.
func (r *UnitResult) Stage(s Stage) *StageResult {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr
		}
	}
	return nil
}

// Passed reports whether every stage passed or was legitimately skipped.
func (r *UnitResult) Passed() bool {
	if r.Err != nil {
		return false
	}
	for _, sr := range r.Stages {
		if sr.State == StateFailed || sr.State == StatePending || sr.State == StateRunning {
			return false
		}
	}
	return true
}

// PackagingSkipped reports whether packaging was withheld because tests failed.
func (r *UnitResult) PackagingSkipped() bool {
	p := r.Stage(StagePackage)
	return p != nil && p.State == StateSkipped && p.SkipReason == SkipTestsFailed
}

// FailedStage returns the stage that failed, or nil.
func (r *UnitResult) FailedStage() *StageResult {
	for _, sr := range r.Stages {
		if sr.State == StateFailed {
			return sr
		}
	}
	return nil
}

// SkipRemaining marks every pending stage as skipped.
// A pending package stage records why packaging did not happen.
func (r *UnitResult) SkipRemaining(reason string) {
	for _, sr := range r.Stages {
		if sr.State != StatePending {
			continue
		}
		sr.State = StateSkipped
		sr.SkipReason = reason
		if sr.Stage != StagePackage {
			continue
		}
		switch {
		case r.Kind == workspace.KindHarness:
			sr.SkipReason = SkipHarness
		case r.Stage(StageTest).State == StateFailed:
			sr.SkipReason = SkipTestsFailed
		}
	}
}
