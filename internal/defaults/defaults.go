// Package defaults derives the filesystem and network defaults shared by
// the CLI, the daemon, and the SDK.
package defaults

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// EnvSocket overrides the daemon socket path.
	EnvSocket = "RUNWAYD_SOCKET"
	// EnvDataRoot overrides the data root.
	EnvDataRoot = "RUNWAY_DATA_ROOT"

	// Port is the declared service port when the app manifest does not set
	// one. Declarative only: runway never binds it.
	Port = 8080
	// Python is the interpreter version used when the app manifest does
	// not set one.
	Python = "3.11"
	// Entrypoint is the entry-point script used when the app manifest does
	// not set one.
	Entrypoint = "main.py"

	defaultLinuxDataRoot  = "/var/lib/runway"
	defaultDarwinDataRoot = "Library/Application Support/runway"
)

// DataRoot returns the directory that holds environments, run logs, and the
// state database.
func DataRoot() string {
	if fromEnv := strings.TrimSpace(os.Getenv(EnvDataRoot)); fromEnv != "" {
		return fromEnv
	}
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return defaultLinuxDataRoot
		}
		return filepath.Join(home, defaultDarwinDataRoot)
	}
	return defaultLinuxDataRoot
}

// SocketPath returns the daemon's unix socket path.
func SocketPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(EnvSocket)); fromEnv != "" {
		return fromEnv
	}
	if runtime.GOOS == "darwin" {
		return "/tmp/runwayd.sock"
	}
	return "/var/run/runwayd.sock"
}

// StatePath returns the sqlite state database path under root.
func StatePath(root string) string {
	return filepath.Join(root, "state.db")
}

// EnvDir returns the promoted environment directory for an app.
func EnvDir(root, app string) string {
	return filepath.Join(root, "envs", app)
}

// StagingDir returns the in-progress build directory for a build ID. A
// staging directory is promoted to EnvDir on success and removed on any
// failure.
func StagingDir(root, buildID string) string {
	return filepath.Join(root, "staging", buildID)
}

// LogDir returns the directory holding per-run logs for an app.
func LogDir(root, app string) string {
	return filepath.Join(root, "logs", app)
}

// ImageRef returns the docker image reference for an app build.
func ImageRef(app, buildID string) string {
	tag := buildID
	if len(tag) > 12 {
		tag = tag[:12]
	}
	return "runway/" + app + ":" + tag
}

// ContainerName returns the docker container name for an app.
func ContainerName(app string) string {
	return "runway-" + app
}

// EnsureDataRoot creates dir with conservative permissions.
func EnsureDataRoot(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
