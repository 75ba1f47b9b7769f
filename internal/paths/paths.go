// Package paths resolves the daemon's private per-user state
// directory and the bookkeeping files inside it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvDir overrides the state directory when set. Used by tests and by
// deployments that keep squawk state outside the home directory.
const EnvDir = "SQUAWK_DIR"

// File names inside the state directory.
const (
	SocketFile   = "squawk.sock"
	PIDFile      = "squawk.pid"
	LockFile     = "squawk.lock"
	LogFile      = "squawk.log"
	ActivityFile = "events.jsonl"
	WSPortFile   = "ws.port"
	ConfigFile   = "config.toml"
	IdentityFile = "identity.key"
)

// StateDir returns the squawk state directory for the current user:
// $SQUAWK_DIR if set, otherwise ~/.squawk.
func StateDir() (string, error) {
	if dir := os.Getenv(EnvDir); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".squawk"), nil
}

// EnsureStateDir creates the state directory with owner-only
// permissions and tightens the mode if the directory already exists
// with a looser one.
func EnsureStateDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat state directory: %w", err)
	}
	if info.Mode().Perm() != 0700 {
		if err := os.Chmod(dir, 0700); err != nil {
			return fmt.Errorf("restrict state directory permissions: %w", err)
		}
	}
	return nil
}

// SocketPath returns the control socket path under dir.
func SocketPath(dir string) string { return filepath.Join(dir, SocketFile) }

// PIDPath returns the PID file path under dir.
func PIDPath(dir string) string { return filepath.Join(dir, PIDFile) }

// LockPath returns the singleton lock file path under dir.
func LockPath(dir string) string { return filepath.Join(dir, LockFile) }

// LogPath returns the append-only log file path under dir.
func LogPath(dir string) string { return filepath.Join(dir, LogFile) }

// ActivityPath returns the JSONL activity log path under dir.
func ActivityPath(dir string) string { return filepath.Join(dir, ActivityFile) }

// WSPortPath returns the websocket port file path under dir.
func WSPortPath(dir string) string { return filepath.Join(dir, WSPortFile) }

// ConfigPath returns the config file path under dir.
func ConfigPath(dir string) string { return filepath.Join(dir, ConfigFile) }

// IdentityPath returns the identity key path under dir.
func IdentityPath(dir string) string { return filepath.Join(dir, IdentityFile) }
