package workspace

const (
	ConfigFileName = "buildbox.yaml"

	DefaultRepository      = "https://proxy.golang.org"
	DefaultLanguageVersion = "1.22"
	DefaultArtifactsDir    = ".buildbox"
	DefaultParallelism     = 2

	DefaultResolveTimeout = 300
	DefaultCompileTimeout = 300
	DefaultTestTimeout    = 600

	DefaultBaseImage    = "gcr.io/distroless/static-debian12:nonroot"
	DefaultPlatform     = "linux/amd64"
	DefaultKeepReleases = 5

	// ScratchImage selects an empty base image.
	ScratchImage = "scratch"

	// ArgsPlaceholder in the test platform command expands to a unit's test args.
	ArgsPlaceholder = "{args}"

	// OutputPlaceholder in an artifact command is replaced by the binary path.
	OutputPlaceholder = "{output}"
)

var (
	DefaultResolveCommand = []string{"go", "mod", "download"}
	DefaultCompileCommand = []string{"go", "build", "./..."}
	DefaultTestCommand    = []string{"go", "test", "-json", "-count=1", ArgsPlaceholder, "./..."}
	DefaultFormatTargets  = []string{"**/*.go", "**/go.mod"}
	DefaultFormatExclude  = []string{"vendor/**", "**/testdata/**"}

	// DefaultPlugins are the tool pins recorded with every run when
	// buildbox.yaml does not override them.
	DefaultPlugins = map[string]string{
		"format":   "v5.12.4",
		"versions": "v0.38.0",
		"runtime":  "v2.5.4",
		"platform": "v1.0.11",
		"image":    "v3.1.4",
	}
)

// DefaultArtifactCommand builds the main package of a unit into {output}.
func DefaultArtifactCommand(main string) []string {
	return []string{"go", "build", "-trimpath", "-o", OutputPlaceholder, main}
}
