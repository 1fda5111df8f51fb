package security

import (
	"context"
	"strings"
	"testing"
)

func TestSandboxedExecutor_ValidateCommandParts(t *testing.T) {
	executor := NewSandboxedExecutor(t.TempDir())

	tests := []struct {
		name    string
		cmd     []string
		wantErr bool
	}{
		{"go build", []string{"go", "build", "./..."}, false},
		{"go test json", []string{"go", "test", "-json", "./..."}, false},
		{"git fetch", []string{"git", "fetch", "origin", "main"}, false},
		{"make", []string{"make", "generate"}, false},

		{"empty", []string{}, true},
		{"not allowed", []string{"curl", "https://evil.example"}, true},
		{"shell", []string{"sh", "-c", "go build"}, true},
		{"rm", []string{"rm", "-rf", "/"}, true},
		{"semicolon arg", []string{"go", "build", "./...;id"}, true},
		{"pipe arg", []string{"go", "test", "-run", "A|B"}, true},
		{"subshell arg", []string{"git", "checkout", "$(whoami)"}, true},
		{"backtick arg", []string{"git", "checkout", "`id`"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executor.ValidateCommandParts(tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommandParts(%v) error = %v, wantErr %v", tt.cmd, err, tt.wantErr)
			}
		})
	}
}

func TestSandboxedExecutor_AllowShellMetachars(t *testing.T) {
	executor := NewSandboxedExecutor(t.TempDir())
	executor.AllowShellMetachars = true

	if err := executor.ValidateCommandParts([]string{"go", "test", "-run", "TestA|TestB"}); err != nil {
		t.Errorf("ValidateCommandParts() with metachars allowed error = %v", err)
	}
	if err := executor.ValidateCommandParts([]string{"bash", "-c", "true"}); err == nil {
		t.Error("ValidateCommandParts() should still enforce allowed commands")
	}
}

func TestSandboxedExecutor_AddAllowedCommand(t *testing.T) {
	executor := NewSandboxedExecutor(t.TempDir())

	if executor.IsCommandAllowed("echo") {
		t.Fatal("echo should not be allowed by default")
	}

	executor.AddAllowedCommand("echo")

	if !executor.IsCommandAllowed("echo") {
		t.Error("echo should be allowed after AddAllowedCommand")
	}
	if DefaultAllowedCommands["echo"] {
		t.Error("AddAllowedCommand must not modify DefaultAllowedCommands")
	}

	other := NewSandboxedExecutor(t.TempDir())
	if other.IsCommandAllowed("echo") {
		t.Error("AddAllowedCommand leaked into another executor")
	}
}

func TestSandboxedExecutor_Execute(t *testing.T) {
	executor := NewSandboxedExecutor(t.TempDir())
	executor.AddAllowedCommand("echo")

	output, err := executor.Execute(context.Background(), []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(string(output)) != "hello" {
		t.Errorf("Execute() output = %q, want %q", output, "hello")
	}

	if _, err := executor.Execute(context.Background(), []string{"curl", "x"}); err == nil {
		t.Error("Execute() should refuse commands outside the allowed list")
	} else if !strings.Contains(err.Error(), "not allowed") {
		t.Errorf("Execute() error = %v, want 'not allowed'", err)
	}
}

func TestSandboxedExecutor_ErrorListsAllowedCommandsSorted(t *testing.T) {
	executor := &SandboxedExecutor{AllowedCommands: map[string]bool{"make": true, "go": true, "git": false}}

	err := executor.ValidateCommandParts([]string{"npm"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "must be one of: go, make") {
		t.Errorf("error = %v, want sorted allowed list without disabled entries", err)
	}
}

func TestContainsShellMetachars(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"./...", false},
		{"-trimpath", false},
		{"./cmd/server", false},
		{"-ldflags=-s", false},
		{"a;b", true},
		{"a|b", true},
		{"a&b", true},
		{"$HOME", true},
		{"a b\nc", true},
		{"*.go", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := containsShellMetachars(tt.input); got != tt.want {
				t.Errorf("containsShellMetachars(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
