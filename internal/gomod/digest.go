package gomod

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ResolutionDigest fingerprints what dependency resolution of a module can
// depend on: its sorted requirement list and its go.sum. Unchanged inputs
// always produce the same digest.
func ResolutionDigest(mod *Module) (string, error) {
	h := sha256.New()

	for _, r := range mod.Requirements {
		fmt.Fprintf(h, "%s@%s\n", r.Path, r.Version)
	}

	sum, err := os.ReadFile(filepath.Join(mod.Dir, "go.sum"))
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read go.sum: %w", err)
	}
	h.Write([]byte("go.sum\n"))
	h.Write(sum)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
