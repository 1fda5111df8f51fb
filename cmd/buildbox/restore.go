package main

import (
	"fmt"

	"buildbox/internal/build"
	"buildbox/internal/workspace"

	"github.com/spf13/cobra"
)

var restoreConfigFile string

var restoreCmd = &cobra.Command{
	Use:   "restore UNIT",
	Short: "Point a unit at its previous image release",
	Long: `Switch the unit's current symlink back to the release before the active one.

Releases live under <artifacts_dir>/<unit>/releases, one per packaged build.

Example:
  buildbox restore server`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringVarP(&restoreConfigFile, "config", "c", "", "Path to buildbox.yaml")
}

func runRestore(cmd *cobra.Command, args []string) error {
	unitName := args[0]

	configPath, err := workspace.Find(restoreConfigFile)
	if err != nil {
		return err
	}
	ws, err := workspace.Load(configPath)
	if err != nil {
		return err
	}

	unit, ok := ws.Units[unitName]
	if !ok {
		return fmt.Errorf("unit '%s' not found in %s", unitName, configPath)
	}
	if !unit.Packages() {
		return fmt.Errorf("unit '%s' does not package images", unitName)
	}

	releases := build.Layout{Root: ws.ArtifactsDir}.Releases(unitName)
	from, to, err := releases.RestorePrevious()
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Restored %s\n", bold(unitName))
	fmt.Fprintf(out, "  Previous (current): %s\n", from)
	fmt.Fprintf(out, "  Restored to:        %s\n", green(to))
	return nil
}
