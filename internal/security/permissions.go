package security

import (
	"fmt"
	"os"
)

const (
	// PermConfigFile is for configuration files containing webhook secrets.
	PermConfigFile os.FileMode = 0640

	// PermLogFile is for log files that may contain command output.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the run history database.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for artifact and report directories.
	PermDirectory os.FileMode = 0750

	// PermArtifact is for image tarballs and test reports.
	PermArtifact os.FileMode = 0644

	// PermExecutable is for compiled unit binaries.
	PermExecutable os.FileMode = 0755
)

// CreateSecureDir creates a directory with the given permissions, including
// parents, and fixes the mode when umask narrowed it.
func CreateSecureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to set directory permissions: %w", err)
	}

	return nil
}

// OpenAppendFile opens path for appending with the given permissions.
func OpenAppendFile(path string, perm os.FileMode) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, perm)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// ValidateSecurePermissions rejects world-readable or world-writable files.
// Used for files that hold webhook secrets.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for secrets", path, perm)
	}

	if perm&0002 != 0 {
		return fmt.Errorf("file %s is world-writable (%04o)", path, perm)
	}

	return nil
}
