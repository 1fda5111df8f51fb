// Package config loads the settings of `buildbox serve` from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	env "github.com/Netflix/go-env"

	"buildbox/internal/logging"
)

// ServerEnvironment holds the server settings. Command-line flags override
// these values.
type ServerEnvironment struct {
	Host       string `env:"BUILDBOX_HOST,default=127.0.0.1"`
	Port       int    `env:"BUILDBOX_PORT,default=5000"`
	ConfigFile string `env:"BUILDBOX_CONFIG"`
	DBPath     string `env:"BUILDBOX_DB,default=./buildbox.db"`
	LogFile    string `env:"BUILDBOX_LOG,default=./buildbox.log"`
	LogLevel   string `env:"BUILDBOX_LOG_LEVEL,default=info"`

	// ExposeOutput includes error messages and command output in /status responses.
	ExposeOutput bool `env:"BUILDBOX_EXPOSE_OUTPUT,default=false"`

	// GitHub commit statuses are reported only when a token is set.
	GitHubToken  string `env:"BUILDBOX_GITHUB_TOKEN"`
	GitHubAPIURL string `env:"BUILDBOX_GITHUB_API_URL"`

	ShutdownTimeout time.Duration `env:"BUILDBOX_SHUTDOWN_TIMEOUT,default=30s"`

	// TestMode disables rate limiting.
	TestMode bool `env:"BUILDBOX_TEST_MODE,default=false"`
}

// NewServerConfig loads the server settings from the process environment.
func NewServerConfig() (*ServerEnvironment, error) {
	return Load(os.Environ())
}

// Load reads the settings from environ, a list of KEY=value pairs.
func Load(environ []string) (*ServerEnvironment, error) {
	var cfg ServerEnvironment

	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *ServerEnvironment) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("BUILDBOX_PORT must be between 1 and 65535")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid BUILDBOX_LOG_LEVEL: %w (must be debug, info, warn or error)", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("BUILDBOX_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// Level returns the configured log level.
func (c *ServerEnvironment) Level() slog.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}
