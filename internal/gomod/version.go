package gomod

import (
	"go/version"
	"strings"
)

// goVersion puts a release version ("1.22", "go1.21.3", "1.23rc1") into the
// go-prefixed form go/version understands.
func goVersion(v string) string {
	return "go" + strings.TrimPrefix(v, "go")
}

// IsValidGoVersion reports whether v names a Go 1.x release.
func IsValidGoVersion(v string) bool {
	if v == "" {
		return false
	}
	gv := goVersion(v)
	return version.IsValid(gv) && strings.HasPrefix(gv, "go1.")
}

// Exceeds reports whether v targets a newer language than target.
// Only the language part counts: 1.22.5 does not exceed 1.22.
func Exceeds(v, target string) bool {
	return version.Compare(version.Lang(goVersion(v)), version.Lang(goVersion(target))) > 0
}
