package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"buildbox/internal/security"
	"buildbox/pkg/fileutil"
)

const DefaultPullTimeout = 60

// Entry is a workspace checkout the build server knows about.
type Entry struct {
	Name        string
	Path        string
	ConfigFile  string
	Secret      string
	Branch      string
	GitHubRepo  string
	PullTimeout int
}

// EntryConfig represents the YAML configuration of a served workspace
type EntryConfig struct {
	Path        string `yaml:"path"`
	Config      string `yaml:"config"`
	Secret      string `yaml:"secret"`
	Branch      string `yaml:"branch"`
	GitHubRepo  string `yaml:"github_repo"`
	PullTimeout int    `yaml:"pull_timeout"`
}

// ServerConfig represents the root of workspaces.yaml
type ServerConfig struct {
	Workspaces map[string]EntryConfig `yaml:"workspaces"`
}

// MatchesRef checks if a git ref matches the workspace's target branch
func (e *Entry) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", e.Branch)
}

// LoadServerConfig loads the workspaces served by `buildbox serve`. The file
// holds webhook secrets and is rejected when other users can read it.
func LoadServerConfig(configPath string) (*Registry, error) {
	if err := security.ValidateSecurePermissions(configPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config ServerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	entries := make(map[string]*Entry, len(config.Workspaces))
	for name, ec := range config.Workspaces {
		if errors := ValidateEntryConfig(name, ec); len(errors) > 0 {
			return nil, fmt.Errorf("invalid configuration for workspace '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}

		realPath, err := filepath.EvalSymlinks(ec.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve symlinks for workspace '%s': %w", name, err)
		}

		entries[name] = &Entry{
			Name:        name,
			Path:        realPath,
			ConfigFile:  filepath.Join(realPath, orDefault(ec.Config, ConfigFileName)),
			Secret:      ec.Secret,
			Branch:      orDefault(ec.Branch, "main"),
			GitHubRepo:  ec.GitHubRepo,
			PullTimeout: intOrDefault(ec.PullTimeout, DefaultPullTimeout),
		}
	}

	return NewRegistry(entries), nil
}

// ValidateEntryConfig validates a single served workspace
func ValidateEntryConfig(name string, config EntryConfig) []string {
	var errors []string
	prefix := fmt.Sprintf("  - Workspace '%s':", name)

	if err := security.ValidateName(name); err != nil {
		errors = append(errors, fmt.Sprintf("%s invalid name: %v", prefix, err))
	}

	if config.Path == "" {
		errors = append(errors, fmt.Sprintf("%s missing required 'path' field", prefix))
	} else if !filepath.IsAbs(config.Path) {
		errors = append(errors, fmt.Sprintf("%s path must be absolute, got '%s'", prefix, config.Path))
	} else if !fileutil.DirExists(config.Path) {
		errors = append(errors, fmt.Sprintf("%s path does not exist or is not a directory: '%s'", prefix, config.Path))
	} else {
		if !fileutil.DirExists(filepath.Join(config.Path, ".git")) {
			errors = append(errors, fmt.Sprintf("%s path is not a git checkout (missing .git): '%s'", prefix, config.Path))
		}
		configFile := orDefault(config.Config, ConfigFileName)
		if configPath, err := security.JoinWithin(config.Path, configFile); err != nil {
			errors = append(errors, fmt.Sprintf("%s config: %v", prefix, err))
		} else if !fileutil.FileExists(configPath) {
			errors = append(errors, fmt.Sprintf("%s missing workspace config '%s'", prefix, configPath))
		}
	}

	if config.Secret == "" {
		errors = append(errors, fmt.Sprintf("%s missing required 'secret' field", prefix))
	} else if err := security.ValidateSecret(config.Secret); err != nil {
		errors = append(errors, fmt.Sprintf("%s %v", prefix, err))
	}

	if err := security.ValidateBranchName(orDefault(config.Branch, "main")); err != nil {
		errors = append(errors, fmt.Sprintf("%s %v", prefix, err))
	}

	if config.GitHubRepo != "" {
		if err := security.ValidateRepository(config.GitHubRepo); err != nil {
			errors = append(errors, fmt.Sprintf("%s github_repo: %v", prefix, err))
		}
	}

	if config.PullTimeout < 0 {
		errors = append(errors, fmt.Sprintf("%s pull_timeout must be a positive integer, got %d", prefix, config.PullTimeout))
	}

	return errors
}

// Registry manages the collection of served workspaces
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates a new workspace registry
func NewRegistry(entries map[string]*Entry) *Registry {
	return &Registry{
		entries: entries,
	}
}

// Get retrieves a workspace by name
func (r *Registry) Get(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil, fmt.Errorf("workspace '%s' not found", name)
	}

	return entry, nil
}

// List returns all workspace names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of workspaces
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
