package main

import (
	"fmt"
	"os"
	"path/filepath"

	"buildbox/internal/security"
	"buildbox/internal/workspace"
	"buildbox/pkg/fileutil"
	"buildbox/pkg/templates"

	"github.com/spf13/cobra"
)

var (
	initGroup      string
	initService    string
	initMain       string
	initImage      string
	initHarness    string
	initRepository string
	initLocal      string
	initServer     bool
	initGitHubRepo string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Write a buildbox.yaml skeleton",
	Long: `Write a buildbox.yaml for a workspace with one service unit and, optionally,
a test-harness unit that depends on it.

With --server a workspaces.yaml for 'buildbox serve' is written as well,
with a freshly generated webhook secret. Templates can be overridden by
placing <name>.template files in ./templates.`,
	Example: `  buildbox init --group cars --service server --main ./cmd/server --harness harness
  buildbox init /srv/cars --server --github-repo acme/cars`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initGroup, "group", "", "Workspace group (default: directory name)")
	initCmd.Flags().StringVar(&initService, "service", "server", "Service unit name")
	initCmd.Flags().StringVar(&initMain, "main", "./cmd/server", "Main package of the service")
	initCmd.Flags().StringVar(&initImage, "image", "", "Image repository for the service (default: <group>/<service>)")
	initCmd.Flags().StringVar(&initHarness, "harness", "", "Also add a test-harness unit with this name")
	initCmd.Flags().StringVar(&initRepository, "repository", workspace.DefaultRepository, "Module mirror")
	initCmd.Flags().StringVar(&initLocal, "local-prefix", "", "Import path prefix grouped separately by the format policy")
	initCmd.Flags().BoolVar(&initServer, "server", false, "Also write workspaces.yaml for buildbox serve")
	initCmd.Flags().StringVar(&initGitHubRepo, "github-repo", "", "owner/repo for commit statuses (with --server)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	group := initGroup
	if group == "" {
		group = filepath.Base(dir)
	}
	for _, name := range []string{group, initService} {
		if err := security.ValidateName(name); err != nil {
			return fmt.Errorf("invalid name %q: %w", name, err)
		}
	}
	if initHarness != "" {
		if err := security.ValidateName(initHarness); err != nil {
			return fmt.Errorf("invalid name %q: %w", initHarness, err)
		}
	}
	image := initImage
	if image == "" {
		image = group + "/" + initService
	}

	content, err := templates.Render(templates.Workspace, templates.WorkspaceData{
		Group:           group,
		Version:         "0.1.0",
		Repository:      initRepository,
		LanguageVersion: workspace.DefaultLanguageVersion,
		LocalPrefix:     initLocal,
		Service:         initService,
		ServicePath:     initService,
		Main:            initMain,
		Image:           image,
		Harness:         initHarness,
		HarnessPath:     initHarness,
	})
	if err != nil {
		return err
	}
	if err := writeNew(cmd, filepath.Join(dir, workspace.ConfigFileName), content, 0644); err != nil {
		return err
	}

	if !initServer {
		return nil
	}

	secret, err := security.GenerateSecret()
	if err != nil {
		return err
	}
	content, err = templates.Render(templates.Server, templates.ServerData{
		Group:      group,
		Path:       dir,
		Secret:     secret,
		GitHubRepo: initGitHubRepo,
	})
	if err != nil {
		return err
	}
	return writeNew(cmd, filepath.Join(dir, serverConfigName), content, security.PermConfigFile)
}

func writeNew(cmd *cobra.Command, path, content string, perm os.FileMode) error {
	if fileutil.FileExists(path) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := fileutil.WriteFileAtomic(path, []byte(content), perm); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("wrote"), path)
	return nil
}
