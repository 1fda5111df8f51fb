package history

import (
	"buildbox/internal/build"
	"buildbox/internal/orchestrator"
	"buildbox/pkg/cmdutil"
)

// FromReport turns a finished pipeline report into a run record. The caller
// fills in Workspace, Trigger, Ref and CommitHash.
func FromReport(report *orchestrator.Report, plugins map[string]string) *RunRecord {
	completed := report.StartedAt.Add(report.Duration)
	duration := report.Duration.Seconds()

	record := &RunRecord{
		RunID:           report.RunID,
		Status:          string(report.Status),
		StartedAt:       report.StartedAt,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		Plugins:         plugins,
	}
	if report.Err != nil {
		msg := report.Err.Error()
		record.ErrorMessage = &msg
	}

	for _, u := range report.Units {
		record.Units = append(record.Units, unitRecord(u))
	}
	return record
}

func unitRecord(u *build.UnitResult) UnitRecord {
	rec := UnitRecord{
		Unit:             u.Unit,
		Kind:             string(u.Kind),
		Status:           StatusPassed,
		PackagingSkipped: u.PackagingSkipped(),
		Digest:           u.Digest,
		ReportPath:       u.ReportPath,
		DurationSeconds:  u.Duration.Seconds(),
	}
	if !u.Passed() {
		rec.Status = StatusFailed
	}
	if failed := u.FailedStage(); failed != nil {
		rec.FailedStage = string(failed.Stage)
	}
	if u.Err != nil {
		rec.ErrorKind = string(build.KindOf(u.Err))
		rec.ErrorMessage = u.Err.Error()
		if rec.ErrorKind == string(build.KindCancelled) {
			rec.Status = StatusCancelled
		}
	}
	if u.Image != nil {
		rec.ImageRef = u.Image.Reference
		rec.ImageDigest = u.Image.Digest
	}
	if u.Report != nil {
		rec.TestsPassed = u.Report.Passed
		rec.TestsFailed = u.Report.Failed
		rec.TestsSkipped = u.Report.Skipped
	}
	return rec
}

// Redact removes secrets from the error messages of the run and its units.
func (r *RunRecord) Redact(secrets ...string) {
	if r.ErrorMessage != nil {
		msg := string(cmdutil.SanitizeOutput([]byte(*r.ErrorMessage), secrets))
		r.ErrorMessage = &msg
	}
	for i := range r.Units {
		r.Units[i].ErrorMessage = string(cmdutil.SanitizeOutput([]byte(r.Units[i].ErrorMessage), secrets))
	}
}
