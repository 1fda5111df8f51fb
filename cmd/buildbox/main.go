package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"buildbox/internal/logging"

	"github.com/spf13/cobra"
)

var version = "dev" // set with -ldflags

var (
	logFile  string
	logLevel string
)

// errPipelineFailed is returned by commands whose outcome was already
// printed; main exits non-zero without repeating it.
var errPipelineFailed = errors.New("pipeline failed")

var rootCmd = &cobra.Command{
	Use:   "buildbox",
	Short: "Build, test and package Go workspaces",
	Long: `Buildbox runs the build pipeline of a multi-module Go workspace.

A format policy runs over the whole workspace first. Every unit is then
resolved, compiled and tested, and service units are packaged into
distroless container images once their tests pass. Independent units run
concurrently.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errPipelineFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "Also write JSON logs to this file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(outdatedCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the command logger. fallbackFile is used when --log
// was not given.
func newLogger(cmd *cobra.Command, fallbackFile string) (*slog.Logger, io.Closer, error) {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}
	file := logFile
	if file == "" {
		file = fallbackFile
	}
	return logging.New(logging.Options{
		Level:   level,
		Console: cmd.ErrOrStderr(),
		File:    file,
	})
}
