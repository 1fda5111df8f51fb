package security

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	branchPattern = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	repoPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+/[a-zA-Z0-9_.-]+$`)
)

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateName ensures a unit or workspace name is safe for use in paths,
// URLs and environment variable names.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '-' or '.'")
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)")
	}
	return nil
}

// ValidateRepository checks an "owner/repo" GitHub repository slug.
func ValidateRepository(slug string) error {
	if !repoPattern.MatchString(slug) {
		return fmt.Errorf("repository must be in 'owner/repo' form, got %q", slug)
	}
	return nil
}

// ValidateProxyURL checks a module mirror URL. Only http(s) and file URLs are
// accepted; GOPROXY keywords such as "direct" are not a mirror.
func ValidateProxyURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "https", "http":
		if u.Host == "" {
			return fmt.Errorf("repository URL has no host: %s", rawURL)
		}
	case "file":
		if u.Path == "" {
			return fmt.Errorf("repository URL has no path: %s", rawURL)
		}
	default:
		return fmt.Errorf("repository must be an http(s) or file URL, got scheme %q", u.Scheme)
	}
	if strings.ContainsAny(rawURL, ",|") {
		return fmt.Errorf("repository must be a single mirror, not a GOPROXY list")
	}
	return nil
}

// SanitizePathForSymlink prevents path traversal when following symlinks.
// Both paths must exist; the canonical target is returned when it lies within base.
func SanitizePathForSymlink(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	cleanBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate base path symlinks: %w", err)
	}

	cleanTarget, err := filepath.EvalSymlinks(absTarget)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate target path symlinks: %w", err)
	}

	if !isWithin(cleanBase, cleanTarget) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", cleanTarget, cleanBase)
	}

	return cleanTarget, nil
}

// JoinWithin joins rel onto base and rejects results that escape base.
// Unlike SanitizePathForSymlink the result does not need to exist yet.
func JoinWithin(basePath, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path must be relative to %s, got absolute path %s", basePath, rel)
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, rel)
	if !isWithin(absBase, joined) {
		return "", fmt.Errorf("path traversal detected: '%s' is outside '%s'", rel, absBase)
	}
	return joined, nil
}

func isWithin(base, target string) bool {
	relPath, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return relPath != ".." && !strings.HasPrefix(relPath, ".."+string(filepath.Separator))
}
