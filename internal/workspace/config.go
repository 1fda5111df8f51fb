package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"buildbox/internal/gomod"
	"buildbox/internal/security"
	"buildbox/pkg/cmdutil"
	"buildbox/pkg/fileutil"
)

// Load reads, validates and resolves a buildbox.yaml file.
// Relative paths in the file are resolved against the file's directory.
func Load(configPath string) (*Workspace, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	root := filepath.Dir(absConfig)
	if realRoot, err := filepath.EvalSymlinks(root); err == nil {
		root = realRoot
	}

	if errors := Validate(root, &config); len(errors) > 0 {
		return nil, fmt.Errorf("invalid workspace configuration in %s:\n%s",
			configPath, strings.Join(errors, "\n"))
	}

	ws, err := resolve(root, &config)
	if err != nil {
		return nil, err
	}
	ws.ConfigFile = absConfig
	return ws, nil
}

// Find locates buildbox.yaml using the given path or the default search paths.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if !fileutil.FileExists(explicit) {
			return "", fmt.Errorf("workspace config not found: %s", explicit)
		}
		return explicit, nil
	}
	return fileutil.SearchPaths(fileutil.DefaultConfigPaths(ConfigFileName))
}

// Validate checks a parsed config and returns one message per problem.
func Validate(root string, config *Config) []string {
	var errors []string

	if config.Group == "" {
		errors = append(errors, "  - missing required 'group' field")
	}
	if config.Version == "" {
		errors = append(errors, "  - missing required 'version' field")
	}

	if config.Repository != "" {
		if err := security.ValidateProxyURL(config.Repository); err != nil {
			errors = append(errors, fmt.Sprintf("  - repository: %v", err))
		}
	}

	if config.LanguageVersion != "" && !gomod.IsValidGoVersion(config.LanguageVersion) {
		errors = append(errors, fmt.Sprintf("  - language_version '%s' is not a Go version (e.g. 1.22)", config.LanguageVersion))
	}

	if config.Parallelism < 0 {
		errors = append(errors, fmt.Sprintf("  - parallelism must be a positive integer, got %d", config.Parallelism))
	}

	if config.ArtifactsDir != "" && filepath.IsAbs(config.ArtifactsDir) {
		errors = append(errors, fmt.Sprintf("  - artifacts_dir must be relative to the workspace root, got '%s'", config.ArtifactsDir))
	}

	for _, program := range config.SandboxCommands {
		if program == "" || strings.ContainsAny(program, "/\\ \t") {
			errors = append(errors, fmt.Sprintf("  - sandbox_commands: '%s' must be a bare program name", program))
		}
	}

	for plugin, version := range config.Plugins {
		if !semver.IsValid(version) || semver.Canonical(version) != version {
			errors = append(errors, fmt.Sprintf("  - plugin '%s': version must be an exact semantic version like v1.2.3, got '%s'", plugin, version))
		}
	}

	for i, pattern := range append(append([]string{}, config.Policy.Format.Targets...), config.Policy.Format.Exclude...) {
		if pattern == "" || filepath.IsAbs(pattern) {
			errors = append(errors, fmt.Sprintf("  - policy.format pattern %d must be a relative glob, got '%s'", i, pattern))
		}
	}

	if config.TestPlatform.Command != nil {
		if _, err := cmdutil.ParseCommandList(config.TestPlatform.Command); err != nil {
			errors = append(errors, fmt.Sprintf("  - test_platform.command: %v", err))
		}
	}
	if config.TestPlatform.Timeout < 0 {
		errors = append(errors, fmt.Sprintf("  - test_platform.timeout must be a positive integer, got %d", config.TestPlatform.Timeout))
	}

	if len(config.Units) == 0 {
		errors = append(errors, "  - at least one unit must be declared under 'units'")
	}

	for _, unitName := range sortedKeys(config.Units) {
		errors = append(errors, ValidateUnitConfig(root, unitName, config.Units[unitName], config.Units)...)
	}

	if len(errors) == 0 {
		if _, err := topoSort(dependencyMap(config.Units)); err != nil {
			errors = append(errors, fmt.Sprintf("  - %v", err))
		}
	}

	return errors
}

// ValidateUnitConfig validates a single unit configuration
func ValidateUnitConfig(root, unitName string, config UnitConfig, all map[string]UnitConfig) []string {
	var errors []string
	prefix := fmt.Sprintf("  - Unit '%s':", unitName)

	if err := security.ValidateName(unitName); err != nil {
		errors = append(errors, fmt.Sprintf("%s invalid name: %v", prefix, err))
	}

	if config.Path == "" {
		errors = append(errors, fmt.Sprintf("%s missing required 'path' field", prefix))
	} else if unitPath, err := security.JoinWithin(root, config.Path); err != nil {
		errors = append(errors, fmt.Sprintf("%s %v", prefix, err))
	} else if !fileutil.DirExists(unitPath) {
		errors = append(errors, fmt.Sprintf("%s path does not exist or is not a directory: '%s'", prefix, unitPath))
	} else {
		if !fileutil.FileExists(filepath.Join(unitPath, "go.mod")) {
			errors = append(errors, fmt.Sprintf("%s missing go.mod in '%s'", prefix, unitPath))
		}
		for i, stub := range config.Stubs {
			stubPath, err := security.JoinWithin(unitPath, stub)
			if err != nil {
				errors = append(errors, fmt.Sprintf("%s stubs[%d]: %v", prefix, i, err))
			} else if !fileutil.FileExists(stubPath) {
				errors = append(errors, fmt.Sprintf("%s stubs[%d] file does not exist: '%s'", prefix, i, stubPath))
			}
		}
	}

	switch config.Kind {
	case "", KindService:
	case KindHarness:
		if config.Package.Enabled {
			errors = append(errors, fmt.Sprintf("%s packaging cannot be enabled on a %s unit", prefix, KindHarness))
		}
	default:
		errors = append(errors, fmt.Sprintf("%s kind must be '%s' or '%s', got '%s'", prefix, KindService, KindHarness, config.Kind))
	}

	if config.LanguageVersion != "" && !gomod.IsValidGoVersion(config.LanguageVersion) {
		errors = append(errors, fmt.Sprintf("%s language_version '%s' is not a Go version", prefix, config.LanguageVersion))
	}

	if config.Main != "" && !strings.HasPrefix(config.Main, "./") && config.Main != "." {
		errors = append(errors, fmt.Sprintf("%s main must be a relative package path like ./cmd/server, got '%s'", prefix, config.Main))
	}

	seen := make(map[string]bool)
	for _, dep := range config.DependsOn {
		switch {
		case dep == unitName:
			errors = append(errors, fmt.Sprintf("%s cannot depend on itself", prefix))
		case seen[dep]:
			errors = append(errors, fmt.Sprintf("%s duplicate dependency '%s'", prefix, dep))
		default:
			if _, ok := all[dep]; !ok {
				errors = append(errors, fmt.Sprintf("%s depends on unknown unit '%s'", prefix, dep))
			}
		}
		seen[dep] = true
	}

	for field, timeout := range map[string]int{
		"resolve.timeout": config.Resolve.Timeout,
		"compile.timeout": config.Compile.Timeout,
		"test.timeout":    config.Test.Timeout,
	} {
		if timeout < 0 {
			errors = append(errors, fmt.Sprintf("%s %s must be a positive integer, got %d", prefix, field, timeout))
		}
	}

	for field, cmd := range map[string]interface{}{
		"resolve.command":          config.Resolve.Command,
		"compile.command":          config.Compile.Command,
		"compile.artifact_command": config.Compile.ArtifactCommand,
	} {
		if cmd == nil {
			continue
		}
		if _, err := cmdutil.ParseCommandList(cmd); err != nil {
			errors = append(errors, fmt.Sprintf("%s %s: %v", prefix, field, err))
		}
	}

	if config.Compile.ArtifactCommand != nil && config.Main == "" {
		errors = append(errors, fmt.Sprintf("%s compile.artifact_command requires 'main'", prefix))
	}

	errors = append(errors, validatePackage(prefix, config)...)

	return errors
}

func validatePackage(prefix string, config UnitConfig) []string {
	var errors []string
	pkg := config.Package

	if pkg.KeepReleases < 0 {
		errors = append(errors, fmt.Sprintf("%s package.keep_releases must be a positive integer, got %d", prefix, pkg.KeepReleases))
	}
	if !pkg.Enabled {
		return errors
	}
	if config.Main == "" {
		errors = append(errors, fmt.Sprintf("%s packaging requires 'main' to build the image binary", prefix))
	}
	if pkg.BaseImage != "" && pkg.BaseImage != ScratchImage {
		if _, err := name.ParseReference(pkg.BaseImage); err != nil {
			errors = append(errors, fmt.Sprintf("%s package.base_image: %v", prefix, err))
		}
	}
	if pkg.Image != "" {
		if _, err := name.ParseReference(pkg.Image); err != nil {
			errors = append(errors, fmt.Sprintf("%s package.image: %v", prefix, err))
		}
	}
	if pkg.Push && pkg.Image == "" {
		errors = append(errors, fmt.Sprintf("%s package.push requires package.image", prefix))
	}
	if pkg.Platform != "" && strings.Count(pkg.Platform, "/") < 1 {
		errors = append(errors, fmt.Sprintf("%s package.platform must look like os/arch, got '%s'", prefix, pkg.Platform))
	}
	return errors
}

func resolve(root string, config *Config) (*Workspace, error) {
	ws := &Workspace{
		Root:            root,
		Group:           config.Group,
		Version:         config.Version,
		Repository:      orDefault(config.Repository, DefaultRepository),
		Parallelism:     config.Parallelism,
		StrictStubs:     config.StrictStubs,
		SandboxCommands: config.SandboxCommands,
		Format:          config.Policy.Format,
		TestTimeout:     intOrDefault(config.TestPlatform.Timeout, DefaultTestTimeout),
		Units:           make(map[string]*Unit, len(config.Units)),
		Plugins:         make(map[string]string, len(DefaultPlugins)),
	}

	if ws.Parallelism == 0 {
		ws.Parallelism = min(DefaultParallelism, runtime.GOMAXPROCS(0))
	}

	for k, v := range DefaultPlugins {
		ws.Plugins[k] = v
	}
	for k, v := range config.Plugins {
		ws.Plugins[k] = v
	}

	if len(ws.Format.Targets) == 0 {
		ws.Format.Targets = DefaultFormatTargets
	}
	if ws.Format.Exclude == nil {
		ws.Format.Exclude = DefaultFormatExclude
	}

	ws.ArtifactsDir = filepath.Join(root, orDefault(config.ArtifactsDir, DefaultArtifactsDir))
	if config.CacheDir != "" {
		if filepath.IsAbs(config.CacheDir) {
			ws.CacheDir = config.CacheDir
		} else {
			ws.CacheDir = filepath.Join(root, config.CacheDir)
		}
	}

	ws.TestCommand = DefaultTestCommand
	if config.TestPlatform.Command != nil {
		cmd, err := cmdutil.ParseCommandList(config.TestPlatform.Command)
		if err != nil {
			return nil, fmt.Errorf("test_platform.command: %w", err)
		}
		ws.TestCommand = cmd
	}

	languageVersion := orDefault(config.LanguageVersion, DefaultLanguageVersion)

	for unitName, uc := range config.Units {
		unit, err := resolveUnit(root, unitName, uc, ws, languageVersion)
		if err != nil {
			return nil, fmt.Errorf("unit '%s': %w", unitName, err)
		}
		ws.Units[unitName] = unit
	}

	return ws, nil
}

func resolveUnit(root, unitName string, uc UnitConfig, ws *Workspace, languageVersion string) (*Unit, error) {
	unitPath, err := security.JoinWithin(root, uc.Path)
	if err != nil {
		return nil, err
	}

	unit := &Unit{
		Name:            unitName,
		Path:            unitPath,
		Kind:            uc.Kind,
		LanguageVersion: orDefault(uc.LanguageVersion, languageVersion),
		Main:            uc.Main,
		DependsOn:       append([]string(nil), uc.DependsOn...),
		ResolveCommand:  DefaultResolveCommand,
		ResolveTimeout:  intOrDefault(uc.Resolve.Timeout, DefaultResolveTimeout),
		CompileCommand:  DefaultCompileCommand,
		CompileTimeout:  intOrDefault(uc.Compile.Timeout, DefaultCompileTimeout),
		TestArgs:        uc.Test.Args,
		TestTimeout:     intOrDefault(uc.Test.Timeout, ws.TestTimeout),
	}
	if unit.Kind == "" {
		unit.Kind = KindService
	}

	if uc.Resolve.Command != nil {
		if unit.ResolveCommand, err = cmdutil.ParseCommandList(uc.Resolve.Command); err != nil {
			return nil, err
		}
	}
	if uc.Compile.Command != nil {
		if unit.CompileCommand, err = cmdutil.ParseCommandList(uc.Compile.Command); err != nil {
			return nil, err
		}
	}
	if unit.Main != "" {
		unit.ArtifactCommand = DefaultArtifactCommand(unit.Main)
		if uc.Compile.ArtifactCommand != nil {
			if unit.ArtifactCommand, err = cmdutil.ParseCommandList(uc.Compile.ArtifactCommand); err != nil {
				return nil, err
			}
		}
	}

	for _, stub := range uc.Stubs {
		stubPath, err := security.JoinWithin(unitPath, stub)
		if err != nil {
			return nil, err
		}
		unit.Stubs = append(unit.Stubs, stubPath)
	}

	unit.Package = PackageSettings{
		Enabled:      uc.Package.Enabled && unit.Kind == KindService,
		BaseImage:    orDefault(uc.Package.BaseImage, DefaultBaseImage),
		Image:        orDefault(uc.Package.Image, unitName),
		Tag:          orDefault(uc.Package.Tag, ws.Version),
		Platform:     orDefault(uc.Package.Platform, DefaultPlatform),
		Push:         uc.Package.Push,
		KeepReleases: intOrDefault(uc.Package.KeepReleases, DefaultKeepReleases),
		Labels:       uc.Package.Labels,
	}

	return unit, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}
