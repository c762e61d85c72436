package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"runway/internal/runtime"
)

var _ runtime.ToolRunner = ExecRunner{}

// ExecRunner runs tools as child processes.
type ExecRunner struct{}

func (ExecRunner) Look(name string) (string, error) {
	return exec.LookPath(name)
}

func (ExecRunner) Run(ctx context.Context, dir string, out io.Writer, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", filepath.Base(path), strings.Join(args, " "), err)
	}
	return nil
}

var _ runtime.Process = (*process)(nil)

// process wraps one launched entry point.
type process struct {
	cmd *exec.Cmd
}

// startProcess starts the entry point as a child process. The child is
// deliberately not bound to ctx: a run outlives the API request that
// launched it, and termination goes through Signal and Kill.
func startProcess(python, entry string, spec runtime.LaunchSpec) (*process, error) {
	cmd := exec.Command(python, entry)
	cmd.Dir = spec.AppRoot
	cmd.Env = launchEnv(spec)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start entry point: %w", err)
	}
	slog.Info("Entry point started.", "run", spec.RunID, "pid", cmd.Process.Pid)
	return &process{cmd: cmd}, nil
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) ContainerID() string { return "" }

// Wait blocks until the child exits. Deaths by signal N are reported as
// exit code 128+N.
func (p *process) Wait(ctx context.Context) (int, error) {
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-done:
		return exitCode(err)
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("wait for entry point: %w", err)
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}

func (p *process) Signal(ctx context.Context) error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may have already exited.
		return nil
	}
	return nil
}

func (p *process) Kill(ctx context.Context) error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill entry point: %w", err)
	}
	return nil
}
