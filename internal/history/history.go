package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History manages pipeline run history in SQLite
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory opens (or creates) the history database
func NewHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db, now: time.Now}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			workspace TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			ref TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			commit_hash TEXT,
			error_message TEXT,
			plugins TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspace_started
		ON runs(workspace, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS unit_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			unit TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			failed_stage TEXT,
			error_kind TEXT,
			packaging_skipped INTEGER NOT NULL DEFAULT 0,
			digest TEXT,
			image_ref TEXT,
			image_digest TEXT,
			report_path TEXT,
			tests_passed INTEGER NOT NULL DEFAULT 0,
			tests_failed INTEGER NOT NULL DEFAULT 0,
			tests_skipped INTEGER NOT NULL DEFAULT 0,
			duration_seconds REAL NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unit_results_run
		ON unit_results(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := h.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// RecordRun inserts a run together with its unit results. Runs that are not
// in progress get a completion time.
func (h *History) RecordRun(ctx context.Context, record *RunRecord) (int64, error) {
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = h.now()
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	} else if record.Status != StatusInProgress {
		formatted := h.now().UTC().Format(time.RFC3339)
		completedAt = &formatted
	}

	plugins, err := encodePlugins(record.Plugins)
	if err != nil {
		return 0, err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, workspace, triggered_by, ref, status, started_at, completed_at,
		 duration_seconds, commit_hash, error_message, plugins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.RunID,
		record.Workspace,
		record.Trigger,
		record.Ref,
		record.Status,
		startedAt.UTC().Format(time.RFC3339),
		completedAt,
		record.DurationSeconds,
		record.CommitHash,
		record.ErrorMessage,
		plugins,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run record: %w", err)
	}

	if err := insertUnits(ctx, tx, record.RunID, record.Units); err != nil {
		return 0, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run record: %w", err)
	}
	return id, nil
}

// CompleteRun stores the final status of a run recorded as in progress,
// replacing any unit results stored for it.
func (h *History) CompleteRun(ctx context.Context, record *RunRecord) error {
	completedAt := h.now()
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}

	plugins, err := encodePlugins(record.Plugins)
	if err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, completed_at = ?, duration_seconds = ?,
		    commit_hash = COALESCE(?, commit_hash), error_message = ?,
		    plugins = COALESCE(?, plugins)
		WHERE run_id = ?
	`,
		record.Status,
		completedAt.UTC().Format(time.RFC3339),
		record.DurationSeconds,
		record.CommitHash,
		record.ErrorMessage,
		plugins,
		record.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", record.RunID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM unit_results WHERE run_id = ?`, record.RunID); err != nil {
		return fmt.Errorf("failed to clear unit results: %w", err)
	}
	if err := insertUnits(ctx, tx, record.RunID, record.Units); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run record: %w", err)
	}
	return nil
}

func insertUnits(ctx context.Context, tx *sql.Tx, runID string, units []UnitRecord) error {
	for _, u := range units {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO unit_results
			(run_id, unit, kind, status, failed_stage, error_kind, packaging_skipped,
			 digest, image_ref, image_digest, report_path,
			 tests_passed, tests_failed, tests_skipped, duration_seconds, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID,
			u.Unit,
			u.Kind,
			u.Status,
			u.FailedStage,
			u.ErrorKind,
			u.PackagingSkipped,
			u.Digest,
			u.ImageRef,
			u.ImageDigest,
			u.ReportPath,
			u.TestsPassed,
			u.TestsFailed,
			u.TestsSkipped,
			u.DurationSeconds,
			u.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("failed to insert unit result for %s: %w", u.Unit, err)
		}
	}
	return nil
}

const runColumns = `id, run_id, workspace, triggered_by, ref, status, started_at, completed_at,
	duration_seconds, commit_hash, error_message, plugins`

// GetRun returns a run and its unit results, or nil when it does not exist
func (h *History) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)

	record, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	record.Units, err = h.GetUnitResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetLatestRun returns the most recent run of a workspace with its units
func (h *History) GetLatestRun(ctx context.Context, workspace string) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE workspace = ?
		ORDER BY id DESC
		LIMIT 1
	`, workspace)

	record, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	record.Units, err = h.GetUnitResults(ctx, record.RunID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetRunHistory returns recent runs of a workspace, newest first. Unit
// results are not loaded.
func (h *History) GetRunHistory(ctx context.Context, workspace string, limit int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []interface{}{}
	if workspace != "" {
		query += ` WHERE workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// GetUnitResults returns the unit results of a run in insertion order
func (h *History) GetUnitResults(ctx context.Context, runID string) ([]UnitRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT unit, kind, status, failed_stage, error_kind, packaging_skipped,
		       digest, image_ref, image_digest, report_path,
		       tests_passed, tests_failed, tests_skipped, duration_seconds, error_message
		FROM unit_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit results: %w", err)
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var u UnitRecord
		var failedStage, errorKind, digest, imageRef, imageDigest, reportPath, errorMessage sql.NullString
		if err := rows.Scan(
			&u.Unit,
			&u.Kind,
			&u.Status,
			&failedStage,
			&errorKind,
			&u.PackagingSkipped,
			&digest,
			&imageRef,
			&imageDigest,
			&reportPath,
			&u.TestsPassed,
			&u.TestsFailed,
			&u.TestsSkipped,
			&u.DurationSeconds,
			&errorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan unit result: %w", err)
		}
		u.FailedStage = failedStage.String
		u.ErrorKind = errorKind.String
		u.Digest = digest.String
		u.ImageRef = imageRef.String
		u.ImageDigest = imageDigest.String
		u.ReportPath = reportPath.String
		u.ErrorMessage = errorMessage.String
		units = append(units, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return units, nil
}

// GetAllWorkspacesStatus returns the latest run of every workspace
func (h *History) GetAllWorkspacesStatus(ctx context.Context) (map[string]*RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id IN (SELECT MAX(id) FROM runs GROUP BY workspace)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all workspaces status: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*RunRecord)
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		result[record.Workspace] = record
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}

// scanner is implemented by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRunRecord(s scanner) (*RunRecord, error) {
	var record RunRecord
	var startedAtStr string
	var completedAtStr, plugins sql.NullString

	err := s.Scan(
		&record.ID,
		&record.RunID,
		&record.Workspace,
		&record.Trigger,
		&record.Ref,
		&record.Status,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.CommitHash,
		&record.ErrorMessage,
		&plugins,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	if plugins.Valid && plugins.String != "" {
		if err := json.Unmarshal([]byte(plugins.String), &record.Plugins); err != nil {
			return nil, fmt.Errorf("failed to decode plugins: %w", err)
		}
	}

	return &record, nil
}

func encodePlugins(plugins map[string]string) (*string, error) {
	if len(plugins) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(plugins)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugins: %w", err)
	}
	s := string(data)
	return &s, nil
}
