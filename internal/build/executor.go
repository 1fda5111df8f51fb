package build

import (
	"context"
	"fmt"
	"time"

	"buildbox/internal/security"
	"buildbox/internal/workspace"
	"buildbox/pkg/cmdutil"
)

// maxStageOutput bounds the command output kept on a StageResult.
const maxStageOutput = 64 * 1024

// ExecutionResult represents the result of running a command
type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// OK checks if the execution was successful
func (r *ExecutionResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Output returns everything the command printed.
func (r *ExecutionResult) Output() string {
	return r.Stdout + r.Stderr
}

// Executor runs stage commands with the workspace environment and timeouts.
type Executor struct {
	// Env is applied on top of the process environment for every command.
	Env map[string]string

	// Sandbox, when set, restricts commands to its allowed list.
	Sandbox *security.SandboxedExecutor
}

// NewExecutor creates an executor with the given base environment.
func NewExecutor(env map[string]string) *Executor {
	return &Executor{Env: env}
}

// NewSandbox restricts stage commands to the default build tools plus the
// workspace's sandbox_commands. Arguments never pass through a shell, so
// metacharacters such as -run 'A|B' are allowed.
func NewSandbox(ws *workspace.Workspace) *security.SandboxedExecutor {
	sandbox := security.NewSandboxedExecutor(ws.Root)
	sandbox.AllowShellMetachars = true
	for _, program := range ws.SandboxCommands {
		sandbox.AddAllowedCommand(program)
	}
	return sandbox
}

// Command is a single invocation of a stage command.
type Command struct {
	Dir     string
	Args    []string
	Timeout int
	Env     map[string]string
	// Separate keeps stdout apart from stderr, for commands whose stdout is
	// machine readable.
	Separate bool
}

// Run executes cmd. A non-nil result is returned whenever the command started.
func (e *Executor) Run(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if e.Sandbox != nil {
		if err := e.Sandbox.ValidateCommandParts(cmd.Args); err != nil {
			return nil, err
		}
	}

	env := make(map[string]string, len(e.Env)+len(cmd.Env))
	for k, v := range e.Env {
		env[k] = v
	}
	for k, v := range cmd.Env {
		env[k] = v
	}

	result, err := cmdutil.Run(
		ctx,
		cmdutil.ExecOptions{
			Dir:            cmd.Dir,
			Timeout:        time.Duration(cmd.Timeout) * time.Second,
			Env:            cmdutil.MergeEnv(env),
			CombinedOutput: !cmd.Separate,
		},
		cmd.Args,
	)
	if result == nil {
		return nil, err
	}

	execResult := &ExecutionResult{
		ExitCode: result.ExitCode,
		Duration: result.Duration,
		TimedOut: result.TimedOut,
	}
	if cmd.Separate {
		execResult.Stdout = string(result.Stdout)
		execResult.Stderr = string(result.Stderr)
	} else {
		execResult.Stdout = string(result.Output)
	}

	if err != nil {
		return execResult, fmt.Errorf("%s: %w", cmdutil.FormatCommand(cmd.Args), err)
	}
	return execResult, nil
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
