// Package local provisions virtualenv environments on the host and runs
// entry points as supervised child processes.
package local

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"runway"
	"runway/internal/check"
	"runway/internal/runtime"
)

var _ runtime.Backend = (*Backend)(nil)

// Backend implements runtime.Backend with host virtualenvs.
type Backend struct {
	runner runtime.ToolRunner
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner sets the tool runner used for python and pip invocations.
func WithRunner(r runtime.ToolRunner) Option {
	check.Assert(r != nil, "WithRunner: runner must not be nil")
	return func(b *Backend) { b.runner = r }
}

// New creates a local Backend. By default tools run through ExecRunner.
func New(opts ...Option) *Backend {
	b := &Backend{runner: ExecRunner{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Kind() runway.BackendKind { return runway.BackendLocal }

// Provision creates the staged virtualenv. The interpreter is resolved on
// PATH by version: pythonX.Y first, then a generic python3 whose reported
// version matches.
func (b *Backend) Provision(ctx context.Context, bc runtime.BuildContext) error {
	if err := os.MkdirAll(bc.StageDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	python, err := b.findPython(ctx, bc.App.Python)
	if err != nil {
		return err
	}

	slog.Debug("Creating virtualenv.", "python", python, "stage", bc.StageDir)
	if err := b.runner.Run(ctx, "", bc.Output, python, "-m", "venv", venvDir(bc.StageDir)); err != nil {
		return fmt.Errorf("create virtualenv: %w", err)
	}
	return nil
}

// Install installs the dependency manifest into the staged virtualenv. pip
// runs through the venv's own interpreter so packages can never leak into
// the host site-packages.
func (b *Backend) Install(ctx context.Context, bc runtime.BuildContext) error {
	python := venvPython(bc.StageDir)
	err := b.runner.Run(ctx, bc.App.Root, bc.Output, python,
		"-m", "pip", "install", "--no-cache-dir", "-r", bc.Manifest.Path)
	if err != nil {
		return fmt.Errorf("install requirements: %w", err)
	}
	return nil
}

// Launch starts the entry point under the promoted venv's interpreter.
//
// The venv was created in staging and renamed into place on promote, so
// console-script shebangs still point at the staging path. Launches go
// through bin/python directly, which resolves its prefix from its own
// location and is unaffected by the rename.
func (b *Backend) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	python := venvPython(spec.EnvDir)
	if _, err := os.Stat(python); err != nil {
		return nil, fmt.Errorf("environment for %q is not built: %w", spec.App, err)
	}
	entry := filepath.Join(spec.AppRoot, spec.Receipt.Entrypoint)
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("entry point %s: %w", spec.Receipt.Entrypoint, err)
	}

	return startProcess(python, entry, spec)
}

// Discard is a no-op: local build artifacts live entirely in the staging
// directory, which the engine removes.
func (b *Backend) Discard(ctx context.Context, bc runtime.BuildContext) error {
	return nil
}

func (b *Backend) findPython(ctx context.Context, version string) (string, error) {
	return FindPython(ctx, b.runner, version)
}

// FindPython resolves an interpreter for version on PATH: pythonX.Y first,
// then a generic python3 or python whose reported version matches.
func FindPython(ctx context.Context, r runtime.ToolRunner, version string) (string, error) {
	if path, err := r.Look("python" + version); err == nil {
		return path, nil
	}
	for _, name := range []string{"python3", "python"} {
		path, err := r.Look(name)
		if err != nil {
			continue
		}
		reported, err := PythonVersion(ctx, r, path)
		if err != nil {
			continue
		}
		if reported == "Python "+version || strings.HasPrefix(reported, "Python "+version+".") {
			return path, nil
		}
	}
	return "", fmt.Errorf("python %s not found on PATH", version)
}

// PythonVersion reports the interpreter's self-declared version line,
// e.g. "Python 3.11.9".
func PythonVersion(ctx context.Context, r runtime.ToolRunner, path string) (string, error) {
	var buf bytes.Buffer
	if err := r.Run(ctx, "", &buf, path, "--version"); err != nil {
		return "", fmt.Errorf("query %s version: %w", path, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func venvDir(envDir string) string {
	return filepath.Join(envDir, "venv")
}

func venvPython(envDir string) string {
	return filepath.Join(venvDir(envDir), "bin", "python")
}

// launchEnv builds the child environment: the host environment with the
// venv activated on top, the declared port, then the run's own variables.
func launchEnv(spec runtime.LaunchSpec) []string {
	venv := venvDir(spec.EnvDir)
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"VIRTUAL_ENV="+venv,
		"PATH="+filepath.Join(venv, "bin")+":"+os.Getenv("PATH"),
		"PYTHONUNBUFFERED=1",
		"PORT="+strconv.Itoa(spec.Receipt.Port),
	)

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Env[key])
	}
	return env
}
