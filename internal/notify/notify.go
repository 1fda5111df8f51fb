// Package notify reports pipeline results as GitHub commit statuses.
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// State is a commit status state.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateFailure State = "failure"
	StateError   State = "error"
)

// maxDescription is the longest description GitHub accepts.
const maxDescription = 140

// Status is one commit status update.
type Status struct {
	// Repository is "owner/repo".
	Repository  string
	SHA         string
	State       State
	Description string
	// Context distinguishes buildbox statuses from other checks,
	// e.g. "buildbox/cars".
	Context   string
	TargetURL string
}

// Reporter publishes commit statuses.
type Reporter interface {
	Report(ctx context.Context, status Status) error
}

// Nop discards statuses. Used when no token is configured.
type Nop struct{}

func (Nop) Report(context.Context, Status) error { return nil }

// GitHub publishes statuses through the GitHub API.
type GitHub struct {
	client *github.Client
}

// NewGitHub creates a reporter authenticated with token. An empty token
// yields a Nop reporter.
func NewGitHub(token string) Reporter {
	if token == "" {
		return Nop{}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	return &GitHub{client: github.NewClient(tc)}
}

// WithBaseURL points the reporter at another API endpoint, such as GitHub
// Enterprise or a test server.
func (g *GitHub) WithBaseURL(baseURL string) (*GitHub, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
	}
	g.client.BaseURL = u
	return g, nil
}

// Report creates a commit status on the repository.
func (g *GitHub) Report(ctx context.Context, s Status) error {
	owner, repo, ok := strings.Cut(s.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return fmt.Errorf("invalid owner/repo format: %s", s.Repository)
	}
	if s.SHA == "" {
		return fmt.Errorf("commit SHA is required")
	}

	status := &github.RepoStatus{
		State:       github.String(string(s.State)),
		Description: github.String(truncate(s.Description, maxDescription)),
		Context:     github.String(s.Context),
	}
	if s.TargetURL != "" {
		status.TargetURL = github.String(s.TargetURL)
	}

	if _, _, err := g.client.Repositories.CreateStatus(ctx, owner, repo, s.SHA, status); err != nil {
		return fmt.Errorf("creating commit status: %w", err)
	}
	return nil
}

// StateFor maps a run status (passed, failed, cancelled, ...) to a commit
// status state.
func StateFor(runStatus string) State {
	switch runStatus {
	case "passed":
		return StateSuccess
	case "failed":
		return StateFailure
	case "in_progress":
		return StatePending
	default:
		return StateError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
