package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"buildbox/internal/config"
	"buildbox/internal/history"
	"buildbox/internal/notify"
	"buildbox/internal/server"
	"buildbox/internal/workspace"
	"buildbox/pkg/fileutil"

	"github.com/spf13/cobra"
)

const serverConfigName = "workspaces.yaml"

var (
	serveConfigFile string
	serveDBPath     string
	serveHost       string
	servePort       int
	serveTestMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook build server",
	Long: `Start the HTTP server that receives GitHub push webhooks.

Each push to a workspace's target branch syncs its checkout and runs the
pipeline in format check mode. Settings come from BUILDBOX_* environment
variables; flags take precedence.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "Path to workspaces.yaml (env BUILDBOX_CONFIG)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Path to the history database (env BUILDBOX_DB)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (env BUILDBOX_HOST)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (env BUILDBOX_PORT)")
	serveCmd.Flags().BoolVar(&serveTestMode, "test-mode", false, "Disable rate limiting (env BUILDBOX_TEST_MODE)")
}

// applyServeFlags overrides environment settings with the flags that were set.
func applyServeFlags(cmd *cobra.Command, cfg *config.ServerEnvironment) {
	flags := cmd.Flags()
	if flags.Changed("config") {
		cfg.ConfigFile = serveConfigFile
	}
	if flags.Changed("db") {
		cfg.DBPath = serveDBPath
	}
	if flags.Changed("host") {
		cfg.Host = serveHost
	}
	if flags.Changed("port") {
		cfg.Port = servePort
	}
	if flags.Changed("test-mode") {
		cfg.TestMode = serveTestMode
	}
	if !flags.Changed("log-level") {
		logLevel = cfg.LogLevel
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewServerConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)

	if cfg.ConfigFile == "" {
		searchPaths := fileutil.DefaultConfigPaths(serverConfigName)
		cfg.ConfigFile = fileutil.SearchPathsOptional(searchPaths)
		if cfg.ConfigFile == "" {
			return fmt.Errorf("no %s found in %v; use --config", serverConfigName, searchPaths)
		}
	}

	logger, closer, err := newLogger(cmd, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closer.Close()

	logger.Info("Loading configuration", "config", cfg.ConfigFile)
	registry, err := workspace.LoadServerConfig(cfg.ConfigFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return err
	}
	if registry.Count() == 0 {
		logger.Warn("No workspaces configured; the server will accept no webhooks", "config", cfg.ConfigFile)
	}

	logger.Info("Initializing history database", "db", cfg.DBPath)
	hist, err := history.NewHistory(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize history database: %w", err)
	}

	srv := server.NewServer(registry, hist, logger, cfg.TestMode)
	srv.ExposeOutput = cfg.ExposeOutput
	srv.Secrets = []string{cfg.GitHubToken}

	reporter := notify.NewGitHub(cfg.GitHubToken)
	if gh, ok := reporter.(*notify.GitHub); ok && cfg.GitHubAPIURL != "" {
		if reporter, err = gh.WithBaseURL(cfg.GitHubAPIURL); err != nil {
			return err
		}
	}
	srv.Status = reporter

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := srv.HTTPServer(cfg.Host, cfg.Port)
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", httpSrv.Addr, "workspaces", registry.List())
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
