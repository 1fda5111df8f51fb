package testrun

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"buildbox/internal/security"
	"buildbox/pkg/fileutil"
)

// Store writes reports as JSON files under a directory.
type Store struct {
	dir        string
	writeIndex bool
	now        func() time.Time
}

type Option func(*Store)

// WithIndex also appends a line per report to index.jsonl.
func WithIndex(enabled bool) Option {
	return func(s *Store) { s.writeIndex = enabled }
}

// WithNow is useful for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes the report to <dir>/<run-id>.json and returns the path.
func (s *Store) Save(report *Report) (string, error) {
	if err := security.CreateSecureDir(s.dir, security.PermDirectory); err != nil {
		return "", err
	}

	if report.StartedAt.IsZero() {
		report.StartedAt = s.now().UTC()
	}
	id := report.RunID
	if id == "" {
		id = report.StartedAt.Format("20060102T150405Z")
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	path := filepath.Join(s.dir, id+".json")
	if err := fileutil.WriteFileAtomic(path, data, security.PermArtifact); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	if s.writeIndex {
		if err := s.appendIndex(id, report); err != nil {
			return "", fmt.Errorf("failed to update report index: %w", err)
		}
	}

	return path, nil
}

func (s *Store) appendIndex(id string, report *Report) error {
	type idx struct {
		ID        string    `json:"id"`
		Unit      string    `json:"unit"`
		Success   bool      `json:"success"`
		StartedAt time.Time `json:"started_at"`
	}
	line, err := json.Marshal(idx{ID: id, Unit: report.Unit, Success: report.Success(), StartedAt: report.StartedAt})
	if err != nil {
		return err
	}

	f, err := security.OpenAppendFile(filepath.Join(s.dir, "index.jsonl"), security.PermArtifact)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// Load reads a report written by Save.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", path, err)
	}
	return &report, nil
}
