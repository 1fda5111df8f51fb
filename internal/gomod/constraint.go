package gomod

import (
	"bufio"
	"fmt"
	"go/build/constraint"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuildConstraint is a //go:build line that requires a minimum Go version.
type BuildConstraint struct {
	File      string
	Line      int
	Expr      string
	GoVersion string
}

// ScanBuildConstraints walks dir and returns every //go:build line that
// implies a minimum Go version. Directories the go tool ignores (vendor,
// testdata, names starting with "." or "_") are skipped.
func ScanBuildConstraints(dir string) ([]BuildConstraint, error) {
	var found []BuildConstraint

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".go") {
			return nil
		}

		constraints, err := scanFile(path)
		if err != nil {
			return err
		}
		found = append(found, constraints...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan build constraints: %w", err)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].File != found[j].File {
			return found[i].File < found[j].File
		}
		return found[i].Line < found[j].Line
	})
	return found, nil
}

// scanFile reads the file header, which ends at the package clause.
func scanFile(path string) ([]BuildConstraint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var found []BuildConstraint
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "package ") {
			break
		}
		if !constraint.IsGoBuild(line) {
			continue
		}
		expr, err := constraint.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if v := constraint.GoVersion(expr); v != "" {
			found = append(found, BuildConstraint{
				File:      path,
				Line:      lineNo,
				Expr:      expr.String(),
				GoVersion: strings.TrimPrefix(v, "go"),
			})
		}
	}
	return found, scanner.Err()
}

func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" ||
		strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// LanguageViolations lists every place in the module that asks for a newer
// Go language than target: the go directive, the toolchain line and
// //go:build version lines.
func LanguageViolations(mod *Module, target string) ([]string, error) {
	var violations []string

	if mod.GoVersion != "" && Exceeds(mod.GoVersion, target) {
		violations = append(violations, fmt.Sprintf("go.mod declares go %s, newer than language version %s", mod.GoVersion, target))
	}
	// "toolchain default" names no version and never violates.
	if IsValidGoVersion(mod.Toolchain) && Exceeds(mod.Toolchain, target) {
		violations = append(violations, fmt.Sprintf("go.mod requires toolchain %s, newer than language version %s", mod.Toolchain, target))
	}

	constraints, err := ScanBuildConstraints(mod.Dir)
	if err != nil {
		return nil, err
	}
	for _, c := range constraints {
		if Exceeds(c.GoVersion, target) {
			rel, relErr := filepath.Rel(mod.Dir, c.File)
			if relErr != nil {
				rel = c.File
			}
			violations = append(violations, fmt.Sprintf("%s:%d: //go:build %s requires go %s, newer than language version %s",
				rel, c.Line, c.Expr, c.GoVersion, target))
		}
	}

	return violations, nil
}
