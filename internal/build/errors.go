package build

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindFormatting Kind = "formatting_violation"
	KindCompile    Kind = "compile_error"
	KindTest       Kind = "test_failure"
	KindDependency Kind = "dependency_resolution"
	KindPackaging  Kind = "packaging_error"
	KindConfig     Kind = "config_error"
	KindCancelled  Kind = "cancelled"
)

var (
	ErrFormattingViolation  = errors.New("formatting violation")
	ErrCompile              = errors.New("compile error")
	ErrTestFailure          = errors.New("test failure")
	ErrDependencyResolution = errors.New("dependency resolution error")
	ErrPackaging            = errors.New("packaging error")
	ErrConfig               = errors.New("configuration error")
	ErrCancelled            = errors.New("cancelled")
)

var kindSentinels = map[Kind]error{
	KindFormatting: ErrFormattingViolation,
	KindCompile:    ErrCompile,
	KindTest:       ErrTestFailure,
	KindDependency: ErrDependencyResolution,
	KindPackaging:  ErrPackaging,
	KindConfig:     ErrConfig,
	KindCancelled:  ErrCancelled,
}

// Sentinel returns the package-level error matching the kind.
func (k Kind) Sentinel() error {
	return kindSentinels[k]
}

// StageError is a failure of one stage of one unit. errors.Is matches it
// against the sentinel of its Kind as well as anything in the wrapped error.
type StageError struct {
	Unit  string
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	prefix := string(e.Stage)
	if e.Unit != "" {
		prefix = fmt.Sprintf("unit %s: %s", e.Unit, e.Stage)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", prefix, e.Kind.Sentinel())
	}
	return fmt.Sprintf("%s: %v: %v", prefix, e.Kind.Sentinel(), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool {
	return target != nil && target == e.Kind.Sentinel()
}

// NewStageError wraps err as a failure of the given unit stage.
func NewStageError(unit string, stage Stage, kind Kind, err error) *StageError {
	return &StageError{Unit: unit, Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the kind of the first StageError in err's chain, or "".
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
