package history

import "time"

// Run statuses.
const (
	StatusInProgress = "in_progress"
	StatusPassed     = "passed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusRejected   = "rejected"
)

// RunRecord represents a single pipeline run in the database
type RunRecord struct {
	ID              int64             `json:"id"`
	RunID           string            `json:"run_id"`
	Workspace       string            `json:"workspace"`
	Trigger         string            `json:"trigger"` // cli, webhook
	Ref             string            `json:"ref"`
	Status          string            `json:"status"` // in_progress, passed, failed, cancelled, rejected
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	CommitHash      *string           `json:"commit_hash,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	Plugins         map[string]string `json:"plugins,omitempty"` // pinned plugin versions at run time
	Units           []UnitRecord      `json:"units,omitempty"`
}

// UnitRecord is the outcome of one unit within a run
type UnitRecord struct {
	Unit             string  `json:"unit"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	FailedStage      string  `json:"failed_stage,omitempty"`
	ErrorKind        string  `json:"error_kind,omitempty"`
	PackagingSkipped bool    `json:"packaging_skipped"`
	Digest           string  `json:"digest,omitempty"`
	ImageRef         string  `json:"image_ref,omitempty"`
	ImageDigest      string  `json:"image_digest,omitempty"`
	ReportPath       string  `json:"report_path,omitempty"`
	TestsPassed      int     `json:"tests_passed"`
	TestsFailed      int     `json:"tests_failed"`
	TestsSkipped     int     `json:"tests_skipped"`
	DurationSeconds  float64 `json:"duration_seconds"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}

// WorkspaceStatus represents the latest status of a workspace
type WorkspaceStatus struct {
	Workspace     string      `json:"workspace"`
	LatestRun     *RunRecord  `json:"latest_run,omitempty"`
	RecentHistory []RunRecord `json:"recent_history"`
}
