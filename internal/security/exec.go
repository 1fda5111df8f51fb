package security

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// DefaultAllowedCommands is the set of programs a pipeline stage may invoke.
var DefaultAllowedCommands = map[string]bool{
	"go":            true,
	"gotestsum":     true,
	"golangci-lint": true,
	"staticcheck":   true,
	"make":          true,
	"git":           true,
	"buf":           true,
	"protoc":        true,
	"sqlc":          true,
}

// SandboxedExecutor provides command execution restricted to an allow list.
type SandboxedExecutor struct {
	// AllowedCommands is the map of commands that are permitted to run.
	AllowedCommands map[string]bool

	// WorkDir is the working directory for command execution.
	WorkDir string

	// Env contains environment variables for the command.
	Env []string

	// AllowShellMetachars allows shell metacharacters in arguments.
	// Stage commands from buildbox.yaml set this because test filters such
	// as -run 'A|B' legitimately contain them; commands never go through a shell.
	AllowShellMetachars bool
}

// NewSandboxedExecutor creates a new sandboxed executor with default settings.
func NewSandboxedExecutor(workDir string) *SandboxedExecutor {
	return &SandboxedExecutor{
		AllowedCommands:     DefaultAllowedCommands,
		WorkDir:             workDir,
		AllowShellMetachars: false,
	}
}

// Execute runs a command after validating it.
// Returns the combined stdout/stderr output and any error.
func (e *SandboxedExecutor) Execute(ctx context.Context, cmdParts []string) ([]byte, error) {
	if err := e.ValidateCommandParts(cmdParts); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = e.WorkDir
	cmd.Env = e.Env

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("command failed: %w", err)
	}

	return output, nil
}

// ValidateCommandParts validates a command without executing it.
func (e *SandboxedExecutor) ValidateCommandParts(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	baseCmd := cmdParts[0]
	if !e.IsCommandAllowed(baseCmd) {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)",
			baseCmd, strings.Join(e.allowedCommandsList(), ", "))
	}

	if !e.AllowShellMetachars {
		for i, arg := range cmdParts[1:] {
			if containsShellMetachars(arg) {
				return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
			}
		}
	}

	return nil
}

// AddAllowedCommand adds a command to the allowed list.
// The default map is copied first so other executors are unaffected.
func (e *SandboxedExecutor) AddAllowedCommand(cmd string) {
	allowed := make(map[string]bool, len(e.AllowedCommands)+1)
	for k, v := range e.AllowedCommands {
		allowed[k] = v
	}
	allowed[cmd] = true
	e.AllowedCommands = allowed
}

// IsCommandAllowed checks if a command is in the allowed list.
func (e *SandboxedExecutor) IsCommandAllowed(cmd string) bool {
	return e.AllowedCommands[cmd]
}

func (e *SandboxedExecutor) allowedCommandsList() []string {
	commands := make([]string, 0, len(e.AllowedCommands))
	for cmd, ok := range e.AllowedCommands {
		if ok {
			commands = append(commands, cmd)
		}
	}
	sort.Strings(commands)
	return commands
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n<>(){}*?[]\\'\"")
}
