// Package templates renders the configuration files written by `buildbox init`.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"
)

// Template names
const (
	Workspace = "buildbox.yaml"
	Server    = "workspaces.yaml"
)

//go:embed files/*.template
var builtin embed.FS

// WorkspaceData fills the buildbox.yaml template.
type WorkspaceData struct {
	Group           string
	Version         string
	Repository      string
	LanguageVersion string
	LocalPrefix     string

	Service     string
	ServicePath string
	Main        string
	Image       string

	// Harness is optional; no test-harness unit is written when empty.
	Harness     string
	HarnessPath string
}

// ServerData fills the workspaces.yaml template.
type ServerData struct {
	Group      string
	Path       string
	Secret     string
	GitHubRepo string
}

// GetTemplatePaths returns the override locations searched before the
// built-in template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".template"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "buildbox", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name. An override file
// takes precedence over the built-in copy.
func GetTemplate(name string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := builtin.ReadFile("files/" + name + ".template")
	if err != nil {
		return "", fmt.Errorf("built-in template %s: %w", name, err)
	}
	return string(content), nil
}

// Render executes the named template with data.
func Render(templateName string, data interface{}) (string, error) {
	content, err := GetTemplate(templateName)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// ListTemplates returns the names of all templates.
func ListTemplates() []string {
	names := []string{Workspace, Server}
	sort.Strings(names)
	return names
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	return name == Workspace || name == Server
}
