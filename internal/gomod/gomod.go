// Package gomod reads go.mod files and answers the questions the build
// pipeline asks about them: which Go version a module targets, what it
// requires, and whether a newer version of a requirement exists.
package gomod

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/mod/modfile"
)

// Requirement is a single require directive.
type Requirement struct {
	Path     string
	Version  string
	Indirect bool
}

// Module is the parsed subset of a go.mod file the pipeline uses.
type Module struct {
	Path         string
	GoVersion    string
	Toolchain    string
	Requirements []Requirement
	Dir          string
}

// Parse reads dir/go.mod.
func Parse(dir string) (*Module, error) {
	goModPath := filepath.Join(dir, "go.mod")
	data, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.mod file: %w", err)
	}

	mod, err := ParseBytes(goModPath, data)
	if err != nil {
		return nil, err
	}
	mod.Dir = dir
	return mod, nil
}

// ParseBytes parses go.mod content. The path is only used in error messages.
func ParseBytes(goModPath string, data []byte) (*Module, error) {
	file, err := modfile.Parse(goModPath, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse go.mod file: %w", err)
	}

	if file.Module == nil {
		return nil, fmt.Errorf("no module declaration found in %s", goModPath)
	}

	mod := &Module{
		Path: file.Module.Mod.Path,
	}
	if file.Go != nil {
		mod.GoVersion = file.Go.Version
	}
	if file.Toolchain != nil {
		mod.Toolchain = file.Toolchain.Name
	}

	for _, r := range file.Require {
		mod.Requirements = append(mod.Requirements, Requirement{
			Path:     r.Mod.Path,
			Version:  r.Mod.Version,
			Indirect: r.Indirect,
		})
	}
	sort.Slice(mod.Requirements, func(i, j int) bool {
		return mod.Requirements[i].Path < mod.Requirements[j].Path
	})

	return mod, nil
}

// Direct returns the requirements not marked // indirect.
func (m *Module) Direct() []Requirement {
	var out []Requirement
	for _, r := range m.Requirements {
		if !r.Indirect {
			out = append(out, r)
		}
	}
	return out
}
