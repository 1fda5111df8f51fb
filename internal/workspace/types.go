package workspace

// Kind distinguishes deployable units from test harnesses.
type Kind string

const (
	KindService Kind = "service"
	KindHarness Kind = "test-harness"
)

// Config represents the buildbox.yaml root structure
type Config struct {
	Group           string                `yaml:"group"`
	Version         string                `yaml:"version"`
	Repository      string                `yaml:"repository"`
	LanguageVersion string                `yaml:"language_version"`
	Parallelism     int                   `yaml:"parallelism"`
	ArtifactsDir    string                `yaml:"artifacts_dir"`
	CacheDir        string                `yaml:"cache_dir"`
	StrictStubs     bool                  `yaml:"strict_stubs"`
	SandboxCommands []string              `yaml:"sandbox_commands"`
	Plugins         map[string]string     `yaml:"plugins"`
	Policy          PolicyConfig          `yaml:"policy"`
	TestPlatform    TestPlatformConfig    `yaml:"test_platform"`
	Units           map[string]UnitConfig `yaml:"units"`
}

// PolicyConfig holds workspace-wide checks that run before any unit.
type PolicyConfig struct {
	Format FormatPolicy `yaml:"format"`
}

// FormatPolicy selects the files the format policy applies to.
type FormatPolicy struct {
	Disabled    bool     `yaml:"disabled"`
	Targets     []string `yaml:"targets"`
	Exclude     []string `yaml:"exclude"`
	LocalPrefix string   `yaml:"local_prefix"`
}

// TestPlatformConfig is the test command shared by every unit.
type TestPlatformConfig struct {
	Command interface{} `yaml:"command"` // Can be string or []string
	Timeout int         `yaml:"timeout"`
}

// UnitConfig represents the YAML configuration for a unit
type UnitConfig struct {
	Path            string        `yaml:"path"`
	Kind            Kind          `yaml:"kind"`
	LanguageVersion string        `yaml:"language_version"`
	Main            string        `yaml:"main"`
	DependsOn       []string      `yaml:"depends_on"`
	Resolve         StageConfig   `yaml:"resolve"`
	Compile         CompileConfig `yaml:"compile"`
	Test            TestConfig    `yaml:"test"`
	Package         PackageConfig `yaml:"package"`
	Stubs           []string      `yaml:"stubs"`
}

type StageConfig struct {
	Command interface{} `yaml:"command"`
	Timeout int         `yaml:"timeout"`
}

type CompileConfig struct {
	Command         interface{} `yaml:"command"`
	ArtifactCommand interface{} `yaml:"artifact_command"`
	Timeout         int         `yaml:"timeout"`
}

type TestConfig struct {
	Args    []string `yaml:"args"`
	Timeout int      `yaml:"timeout"`
}

type PackageConfig struct {
	Enabled      bool              `yaml:"enabled"`
	BaseImage    string            `yaml:"base_image"`
	Image        string            `yaml:"image"`
	Tag          string            `yaml:"tag"`
	Platform     string            `yaml:"platform"`
	Push         bool              `yaml:"push"`
	KeepReleases int               `yaml:"keep_releases"`
	Labels       map[string]string `yaml:"labels"`
}

// Workspace is a loaded and validated buildbox.yaml with defaults applied
// and every path made absolute.
type Workspace struct {
	Root         string
	ConfigFile   string
	Group        string
	Version      string
	Repository   string
	Parallelism  int
	ArtifactsDir string
	CacheDir     string
	StrictStubs  bool
	Plugins      map[string]string
	Format       FormatPolicy
	TestCommand  []string
	TestTimeout  int
	Units        map[string]*Unit

	// SandboxCommands are programs allowed in sandboxed runs on top of the
	// default build tools.
	SandboxCommands []string
}

// Unit represents a validated build unit
type Unit struct {
	Name            string
	Path            string
	Kind            Kind
	LanguageVersion string
	Main            string
	DependsOn       []string
	ResolveCommand  []string
	ResolveTimeout  int
	CompileCommand  []string
	ArtifactCommand []string
	CompileTimeout  int
	TestArgs        []string
	TestTimeout     int
	Package         PackageSettings
	Stubs           []string
}

// PackageSettings is the resolved image configuration of a unit.
type PackageSettings struct {
	Enabled      bool
	BaseImage    string
	Image        string
	Tag          string
	Platform     string
	Push         bool
	KeepReleases int
	Labels       map[string]string
}

// Packages reports whether the unit produces a container image.
// Harness units never do, whatever their configuration says.
func (u *Unit) Packages() bool {
	return u.Kind == KindService && u.Package.Enabled
}

// HasArtifact reports whether compiling the unit produces a binary.
func (u *Unit) HasArtifact() bool {
	return u.Main != ""
}

// UnitNames returns the unit names in sorted order.
func (w *Workspace) UnitNames() []string {
	return sortedKeys(w.Units)
}
