package image

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"buildbox/internal/security"
	"buildbox/pkg/fileutil"
)

const releaseTimeFormat = "2006-01-02-15-04-05"

// Releases manages timestamped image releases of one unit:
//
//	<root>/releases/<timestamp>/image.tar
//	<root>/current -> releases/<timestamp>
type Releases struct {
	Root string
	now  func() time.Time
}

// NewReleases creates a release store rooted at the unit's artifact directory.
func NewReleases(root string) *Releases {
	return &Releases{Root: root, now: time.Now}
}

func (r *Releases) releasesDir() string { return filepath.Join(r.Root, "releases") }

// CurrentLink is the path of the symlink to the active release.
func (r *Releases) CurrentLink() string { return filepath.Join(r.Root, "current") }

// Create makes a new, empty release directory named after the current time.
func (r *Releases) Create() (string, error) {
	base := r.now().UTC().Format(releaseTimeFormat)
	name := base
	for i := 1; fileutil.DirExists(filepath.Join(r.releasesDir(), name)); i++ {
		name = fmt.Sprintf("%s-%02d", base, i)
	}

	dir := filepath.Join(r.releasesDir(), name)
	if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
		return "", fmt.Errorf("failed to create release directory: %w", err)
	}
	return dir, nil
}

// Activate atomically points current at releaseDir.
func (r *Releases) Activate(releaseDir string) error {
	if _, err := security.SanitizePathForSymlink(r.releasesDir(), releaseDir); err != nil {
		return fmt.Errorf("refusing to activate release: %w", err)
	}
	return fileutil.UpdateSymlinkAtomic(r.CurrentLink(), releaseDir)
}

// List returns release names, newest first.
func (r *Releases) List() ([]string, error) {
	entries, err := os.ReadDir(r.releasesDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read releases directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// Current returns the name of the active release.
func (r *Releases) Current() (string, error) {
	if !fileutil.SymlinkExists(r.CurrentLink()) {
		return "", fmt.Errorf("no current release found (current symlink missing)")
	}
	target, err := fileutil.ResolveSymlink(r.CurrentLink())
	if err != nil {
		return "", fmt.Errorf("failed to resolve current symlink: %w", err)
	}
	if _, err := security.SanitizePathForSymlink(r.releasesDir(), target); err != nil {
		return "", fmt.Errorf("current symlink points outside releases: %w", err)
	}
	return filepath.Base(target), nil
}

// Cleanup removes all but the newest keep releases. The active release is
// never removed, even after a restore made it older than the cutoff.
func (r *Releases) Cleanup(keep int) ([]string, error) {
	names, err := r.List()
	if err != nil {
		return nil, err
	}
	if len(names) <= keep {
		return nil, nil
	}

	current, _ := r.Current()

	var removed []string
	for _, name := range names[keep:] {
		if name == current {
			continue
		}
		path := filepath.Join(r.releasesDir(), name)
		if _, err := security.SanitizePathForSymlink(r.releasesDir(), path); err != nil {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to remove old release %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

// RestorePrevious points current at the release before the active one and
// returns the names of the releases switched from and to.
func (r *Releases) RestorePrevious() (string, string, error) {
	current, err := r.Current()
	if err != nil {
		return "", "", err
	}

	names, err := r.List()
	if err != nil {
		return "", "", err
	}
	if len(names) < 2 {
		return "", "", fmt.Errorf("cannot restore: only one release exists (need at least 2 releases)")
	}

	idx := sort.Search(len(names), func(i int) bool { return names[i] <= current })
	if idx == len(names) || names[idx] != current {
		return "", "", fmt.Errorf("current release '%s' not found in releases directory", current)
	}
	if idx == len(names)-1 {
		return "", "", fmt.Errorf("cannot restore: current release '%s' is already the oldest", current)
	}

	previous := names[idx+1]
	if err := r.Activate(filepath.Join(r.releasesDir(), previous)); err != nil {
		return "", "", fmt.Errorf("failed to update current symlink: %w", err)
	}
	return current, previous, nil
}
