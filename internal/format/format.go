// Package format applies the workspace formatting policy: Go sources are
// rewritten goimports style and go.mod files are normalized.
package format

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/imports"

	"buildbox/pkg/fileutil"
)

// Mode selects whether files are rewritten or only checked.
type Mode int

const (
	// Apply rewrites files in place.
	Apply Mode = iota
	// Check reports files that would change without touching them.
	Check
)

func (m Mode) String() string {
	if m == Check {
		return "check"
	}
	return "apply"
}

// Options configures a formatting run.
type Options struct {
	Root        string
	Targets     []string
	Exclude     []string
	LocalPrefix string
	// SkipDirs are absolute directories never descended into.
	SkipDirs []string
	Mode     Mode
}

// Violation is a file that could not be normalized.
type Violation struct {
	File string
	Err  error
}

// Result summarizes a formatting run. File names are relative to Options.Root.
type Result struct {
	Mode       Mode
	Checked    int
	Changed    []string
	Violations []Violation
}

// Err returns an error describing every file that breaks the policy, or nil.
// In check mode a file that would change is a violation; in apply mode only
// files that could not be parsed are.
func (r *Result) Err() error {
	var problems []string
	for _, v := range r.Violations {
		problems = append(problems, fmt.Sprintf("  - %s: %v", v.File, v.Err))
	}
	if r.Mode == Check {
		for _, f := range r.Changed {
			problems = append(problems, fmt.Sprintf("  - %s: not formatted", f))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%d file(s) violate the format policy:\n%s", len(problems), strings.Join(problems, "\n"))
}

// imports.LocalPrefix is package state in x/tools.
var localPrefixMu sync.Mutex

// Run collects the target files under opts.Root and formats each of them.
func Run(opts Options) (*Result, error) {
	files, err := Collect(opts)
	if err != nil {
		return nil, err
	}

	localPrefixMu.Lock()
	defer localPrefixMu.Unlock()
	imports.LocalPrefix = opts.LocalPrefix

	result := &Result{Mode: opts.Mode}
	for _, rel := range files {
		path := filepath.Join(opts.Root, filepath.FromSlash(rel))
		result.Checked++

		changed, err := formatFile(path, opts.Mode)
		if err != nil {
			result.Violations = append(result.Violations, Violation{File: rel, Err: err})
			continue
		}
		if changed {
			result.Changed = append(result.Changed, rel)
		}
	}

	return result, nil
}

func formatFile(path string, mode Mode) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read file: %w", err)
	}

	out, err := Source(path, src)
	if err != nil {
		return false, err
	}
	if bytes.Equal(src, out) {
		return false, nil
	}

	if mode == Apply {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if err := fileutil.WriteFileAtomic(path, out, info.Mode().Perm()); err != nil {
			return false, fmt.Errorf("failed to write formatted file: %w", err)
		}
	}
	return true, nil
}

// Source returns the formatted form of src. The file kind is chosen by name:
// go.mod files are normalized with modfile, everything else as Go source.
func Source(path string, src []byte) ([]byte, error) {
	if filepath.Base(path) == "go.mod" {
		return formatGoMod(path, src)
	}
	out, err := imports.Process(path, src, &imports.Options{
		Comments:  true,
		TabIndent: true,
		TabWidth:  8,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot normalize: %w", err)
	}
	return out, nil
}

func formatGoMod(path string, src []byte) ([]byte, error) {
	f, err := modfile.Parse(path, src, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot normalize: %w", err)
	}
	f.SortBlocks()
	f.Cleanup()
	out, err := f.Format()
	if err != nil {
		return nil, fmt.Errorf("cannot format: %w", err)
	}
	return out, nil
}
