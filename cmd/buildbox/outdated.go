package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"buildbox/internal/gomod"
	"buildbox/internal/workspace"

	"github.com/spf13/cobra"
)

var (
	outdatedConfigFile string
	outdatedUnits      []string
	outdatedAll        bool
)

var outdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "List module requirements with newer versions on the mirror",
	Args:  cobra.NoArgs,
	RunE:  runOutdated,
}

func init() {
	outdatedCmd.Flags().StringVarP(&outdatedConfigFile, "config", "c", "", "Path to buildbox.yaml")
	outdatedCmd.Flags().StringSliceVarP(&outdatedUnits, "units", "u", nil, "Check only these units")
	outdatedCmd.Flags().BoolVar(&outdatedAll, "all", false, "Include indirect requirements")
}

// mirrorURL picks the first mirror of a GOPROXY-style list.
func mirrorURL(repository string) (string, error) {
	first := strings.FieldsFunc(repository, func(r rune) bool { return r == ',' || r == '|' })
	if len(first) == 0 || first[0] == "off" || first[0] == "direct" {
		return "", fmt.Errorf("repository %q has no module mirror to query", repository)
	}
	return first[0], nil
}

func runOutdated(cmd *cobra.Command, args []string) error {
	configPath, err := workspace.Find(outdatedConfigFile)
	if err != nil {
		return err
	}
	ws, err := workspace.Load(configPath)
	if err != nil {
		return err
	}
	names, err := ws.Select(outdatedUnits)
	if err != nil {
		return err
	}
	if len(outdatedUnits) > 0 {
		names = outdatedUnits
	}

	mirror, err := mirrorURL(ws.Repository)
	if err != nil {
		return err
	}
	client := gomod.NewProxyClient(mirror)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tMODULE\tCURRENT\tLATEST")

	for _, name := range names {
		unit := ws.Units[name]
		mod, err := gomod.Parse(unit.Path)
		if err != nil {
			return fmt.Errorf("unit %s: %w", name, err)
		}
		updates, err := client.Outdated(cmd.Context(), mod, outdatedAll)
		if err != nil {
			return fmt.Errorf("unit %s: %w", name, err)
		}
		for _, u := range updates {
			latest := u.Latest
			if u.Err != nil {
				latest = "error: " + u.Err.Error()
			}
			path := u.Path
			if u.Indirect {
				path += " (indirect)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, path, u.Current, latest)
		}
	}
	return tw.Flush()
}
