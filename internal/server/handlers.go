package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"buildbox/internal/history"
	"buildbox/internal/notify"
	"buildbox/internal/orchestrator"
	"buildbox/internal/security"
	"buildbox/internal/workspace"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	MaxPayloadBytes  = 1_000_000 // 1 MB
	RecentRunsLimit  = 10        // runs returned by the status endpoint
	redactedMessage  = "details hidden; set BUILDBOX_EXPOSE_OUTPUT to show them"
	statusContextFmt = "buildbox/%s"
)

// pushEvent holds the parts of a GitHub push payload buildbox uses.
type pushEvent struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// HandleWebhook handles GitHub webhook requests
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workspaceName")

	if err := security.ValidateName(name); err != nil {
		s.Logger.Warn("Invalid workspace name in webhook request", "workspace", name, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid workspace name: %v", err)})
		return
	}

	entry, err := s.Registry.Get(name)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown workspace"})
		return
	}

	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	if r.Header.Get("X-GitHub-Event") != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err, "workspace", name)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, entry.Secret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err, "workspace", name)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if event.Ref == "" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Missing ref, skipping"})
		return
	}

	if !entry.MatchesRef(event.Ref) {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not target branch, skipping"})
		return
	}

	if !s.LockManager.TryLock(name) {
		s.Logger.Warn("Run already in progress, rejecting", "workspace", name)
		s.recordRejection(r.Context(), entry, event)
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Run already in progress"})
		return
	}

	runID := uuid.NewString()

	// GitHub gives up on a delivery after 10 seconds, so the run happens
	// after the response.
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":   "Run accepted",
		"workspace": name,
		"run_id":    runID,
	})

	runCtx := s.runContext()
	s.runWg.Add(1)
	go func() {
		defer s.runWg.Done()
		defer s.LockManager.Unlock(name)
		s.executeRun(runCtx, entry, event, runID)
	}()
}

func (s *Server) recordRejection(ctx context.Context, entry *workspace.Entry, event pushEvent) {
	if s.History == nil {
		return
	}
	msg := "Run already in progress"
	if _, err := s.History.RecordRun(ctx, &history.RunRecord{
		RunID:        uuid.NewString(),
		Workspace:    entry.Name,
		Trigger:      "webhook",
		Ref:          event.Ref,
		Status:       history.StatusRejected,
		CommitHash:   stringPtrOrNil(event.After),
		ErrorMessage: &msg,
	}); err != nil {
		s.Logger.Error("Failed to record rejection in history", "error", err, "workspace", entry.Name)
	}
}

// executeRun runs the pipeline for one accepted push and records the outcome.
func (s *Server) executeRun(ctx context.Context, entry *workspace.Entry, event pushEvent, runID string) {
	logger := s.Logger.With("workspace", entry.Name, "run_id", runID)
	started := time.Now().UTC()

	if s.History != nil {
		if _, err := s.History.RecordRun(ctx, &history.RunRecord{
			RunID:      runID,
			Workspace:  entry.Name,
			Trigger:    "webhook",
			Ref:        event.Ref,
			Status:     history.StatusInProgress,
			StartedAt:  started,
			CommitHash: stringPtrOrNil(event.After),
		}); err != nil {
			logger.Error("Failed to record run start", "error", err)
		}
	}
	s.reportStatus(ctx, entry, event.After, notify.StatePending, "Pipeline running", logger)

	outcome, err := s.Pipeline.Run(ctx, entry, runID)

	record := runRecord(entry, event, runID, started, outcome, err)
	record.Redact(append([]string{entry.Secret}, s.Secrets...)...)

	// A cancelled run still gets its outcome recorded.
	ctx = context.WithoutCancel(ctx)
	if s.History != nil {
		if err := s.History.CompleteRun(ctx, record); err != nil {
			logger.Error("Failed to record run outcome", "error", err)
		}
	}

	sha := event.After
	if record.CommitHash != nil {
		sha = *record.CommitHash
	}
	s.reportStatus(ctx, entry, sha, notify.StateFor(record.Status), describe(outcome), logger)

	if record.Status == history.StatusPassed {
		logger.Info("run completed", "status", record.Status)
	} else {
		logger.Error("run failed", "status", record.Status, "error", derefOr(record.ErrorMessage, ""))
	}
}

// runRecord builds the final history record of a run. A pipeline that never
// produced a report (checkout or config failure) is recorded as failed.
func runRecord(entry *workspace.Entry, event pushEvent, runID string, started time.Time, outcome *Outcome, err error) *history.RunRecord {
	var record *history.RunRecord
	if outcome != nil && outcome.Report != nil {
		record = history.FromReport(outcome.Report, outcome.Plugins)
	} else {
		completed := time.Now().UTC()
		duration := completed.Sub(started).Seconds()
		record = &history.RunRecord{
			RunID:           runID,
			Status:          history.StatusFailed,
			StartedAt:       started,
			CompletedAt:     &completed,
			DurationSeconds: &duration,
		}
		if outcome != nil {
			record.Plugins = outcome.Plugins
		}
	}

	record.RunID = runID
	record.Workspace = entry.Name
	record.Trigger = "webhook"
	record.Ref = event.Ref
	if outcome != nil && outcome.Commit != "" {
		record.CommitHash = &outcome.Commit
	} else {
		record.CommitHash = stringPtrOrNil(event.After)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			record.Status = history.StatusCancelled
		} else {
			record.Status = history.StatusFailed
		}
		msg := err.Error()
		record.ErrorMessage = &msg
	}
	return record
}

func describe(outcome *Outcome) string {
	if outcome == nil || outcome.Report == nil {
		return "Pipeline could not start"
	}
	report := outcome.Report
	passed, failed := report.Counts()
	switch report.Status {
	case orchestrator.StatusPassed:
		return fmt.Sprintf("%d unit(s) passed in %s", passed, report.Duration.Round(time.Second))
	case orchestrator.StatusCancelled:
		return "Pipeline cancelled"
	}
	if report.Format != nil && report.Format.Err != nil {
		return "Format policy failed"
	}
	return fmt.Sprintf("%d of %d unit(s) failed", failed, passed+failed)
}

func (s *Server) reportStatus(ctx context.Context, entry *workspace.Entry, sha string, state notify.State, description string, logger *slog.Logger) {
	if s.Status == nil || entry.GitHubRepo == "" || sha == "" {
		return
	}
	err := s.Status.Report(ctx, notify.Status{
		Repository:  entry.GitHubRepo,
		SHA:         sha,
		State:       state,
		Description: description,
		Context:     fmt.Sprintf(statusContextFmt, entry.Name),
	})
	if err != nil {
		logger.Warn("Failed to report commit status", "error", err, "state", state)
	}
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":          "ok",
		"workspaces":      s.Registry.List(),
		"workspace_count": s.Registry.Count(),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleStatus returns the latest run and recent history of a workspace
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workspaceName")

	if err := security.ValidateName(name); err != nil {
		s.Logger.Warn("Invalid workspace name in status request", "workspace", name, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid workspace name: %v", err)})
		return
	}

	if _, err := s.Registry.Get(name); err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown workspace"})
		return
	}

	if s.History == nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "History not available"})
		return
	}

	latest, err := s.History.GetLatestRun(r.Context(), name)
	if err != nil {
		s.Logger.Error("Failed to get latest run", "error", err, "workspace", name)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run status"})
		return
	}

	recent, err := s.History.GetRunHistory(r.Context(), name, RecentRunsLimit)
	if err != nil {
		s.Logger.Error("Failed to get run history", "error", err, "workspace", name)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch run status"})
		return
	}
	if recent == nil {
		recent = []history.RunRecord{}
	}

	if !s.ExposeOutput {
		redact(latest)
		for i := range recent {
			redact(&recent[i])
		}
	}

	s.respondJSON(w, http.StatusOK, history.WorkspaceStatus{
		Workspace:     name,
		LatestRun:     latest,
		RecentHistory: recent,
	})
}

// redact hides error messages, which can carry compiler and test output.
func redact(record *history.RunRecord) {
	if record == nil {
		return
	}
	if record.ErrorMessage != nil {
		msg := redactedMessage
		record.ErrorMessage = &msg
	}
	for i := range record.Units {
		if record.Units[i].ErrorMessage != "" {
			record.Units[i].ErrorMessage = redactedMessage
		}
	}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
