// Package runtime defines the backend contract for provisioning isolated
// Python environments and launching their entry points.
//
// A backend owns two halves of the bootstrap: building an environment into
// a staging directory (Provision, then Install), and launching a promoted
// environment's entry point as a single foreground process. Promotion
// itself — the atomic rename from staging to the live environment — is the
// engine's job, so a backend never sees a half-built live environment.
package runtime

import (
	"context"
	"io"

	"runway"
	"runway/internal/manifest"
)

// Backend provisions environments and launches entry points for one
// backend kind.
// Production: local.Backend, docker.Backend
// Testing: fake.Backend
type Backend interface {
	Kind() runway.BackendKind

	// Provision creates the environment skeleton in bc.StageDir: the
	// virtualenv for the local backend, the rendered Dockerfile for the
	// docker backend. No dependencies are installed yet.
	Provision(ctx context.Context, bc BuildContext) error

	// Install installs the dependency manifest into the staged
	// environment. Any error is fatal for the build: the engine discards
	// the staging directory and never promotes it.
	Install(ctx context.Context, bc BuildContext) error

	// Launch starts the entry point of a promoted environment and returns
	// a handle to the running process. The process is the run's only
	// foreground process; its exit code is the run's exit code.
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)

	// Discard removes backend-side artifacts of a failed build or a
	// removed app. It is idempotent and never touches the staging
	// directory, which the engine owns.
	Discard(ctx context.Context, bc BuildContext) error
}

// Process is a handle to one launched entry point.
// Production: local child process, docker container
// Testing: fake.Process
type Process interface {
	// PID returns the OS process id, or 0 when the backend has none.
	PID() int

	// ContainerID returns the container id, or "" for host processes.
	ContainerID() string

	// Wait blocks until the process exits and returns its exit code.
	// A process killed by signal N reports 128+N, matching shell
	// convention. Wait must be called exactly once.
	Wait(ctx context.Context) (int, error)

	// Signal asks the process to terminate gracefully.
	Signal(ctx context.Context) error

	// Kill force-terminates the process.
	Kill(ctx context.Context) error
}

// BuildContext carries one build's inputs through Provision and Install.
type BuildContext struct {
	Build    runway.Build   // immutable snapshot; phase bookkeeping stays with the engine
	App      manifest.App   // validated app manifest
	Manifest *manifest.File // parsed dependency manifest
	StageDir string         // staging directory, promoted only by the engine
	Output   io.Writer      // combined build output (venv, pip, image build)
}

// LaunchSpec describes one run of a promoted environment. The receipt is
// the source of truth: launches never re-read the app manifest, so a run
// always reflects the build it came from.
type LaunchSpec struct {
	RunID   string
	App     string
	AppRoot string            // app source root, the working directory for local runs
	EnvDir  string            // promoted environment directory
	Receipt runway.Receipt    // receipt loaded from EnvDir
	Env     map[string]string // extra environment for this run
	Output  io.Writer         // combined stdout and stderr of the entry point
}

// ToolRunner executes external tools during provisioning.
// Production: local.ExecRunner
// Testing: fake.Runner
type ToolRunner interface {
	// Look resolves a tool name to an executable path.
	Look(name string) (string, error)

	// Run executes a tool to completion with combined output written to
	// out. A non-zero exit status is an error.
	Run(ctx context.Context, dir string, out io.Writer, path string, args ...string) error
}
