package build

import (
	"path/filepath"
	"strings"

	"buildbox/internal/image"
	"buildbox/internal/workspace"
)

// Layout maps units onto the artifacts directory:
//
//	<root>/<unit>/bin/<unit>            compiled binary
//	<root>/<unit>/reports/<run-id>.json test report
//	<root>/<unit>/releases/<timestamp>/ image release
//	<root>/<unit>/current               active release
type Layout struct {
	Root string
}

func (l Layout) UnitDir(unit string) string {
	return filepath.Join(l.Root, unit)
}

func (l Layout) BinaryPath(unit string) string {
	return filepath.Join(l.Root, unit, "bin", unit)
}

func (l Layout) ReportsDir(unit string) string {
	return filepath.Join(l.Root, unit, "reports")
}

func (l Layout) Releases(unit string) *image.Releases {
	return image.NewReleases(l.UnitDir(unit))
}

// Artifact is what a unit hands to its dependents: the compiled binary when
// it has a main package, otherwise its module directory.
func (l Layout) Artifact(u *workspace.Unit) string {
	if u.HasArtifact() {
		return l.BinaryPath(u.Name)
	}
	return u.Path
}

// ArtifactEnvVar is the variable a dependent's tests find a unit's artifact in.
func ArtifactEnvVar(unit string) string {
	return "BUILDBOX_ARTIFACT_" + strings.ToUpper(strings.ReplaceAll(unit, "-", "_"))
}
