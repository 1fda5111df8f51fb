package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"buildbox/internal/security"
	"buildbox/internal/workspace"
)

// SyncCheckout brings the workspace checkout to the tip of its target branch
// and returns the commit it now points at. Local changes are discarded.
func SyncCheckout(ctx context.Context, entry *workspace.Entry) (string, error) {
	if err := security.ValidateBranchName(entry.Branch); err != nil {
		return "", fmt.Errorf("invalid branch name: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(entry.PullTimeout)*time.Second)
	defer cancel()

	git := security.NewSandboxedExecutor(entry.Path)

	fetch := []string{"git", "fetch", "--prune", "origin", entry.Branch}
	if output, err := git.Execute(ctx, fetch); err != nil {
		return "", fmt.Errorf("git fetch failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	reset := []string{"git", "reset", "--hard", "origin/" + entry.Branch}
	if output, err := git.Execute(ctx, reset); err != nil {
		return "", fmt.Errorf("git reset failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	output, err := git.Execute(ctx, []string{"git", "rev-parse", "HEAD"})
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}
