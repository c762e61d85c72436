package fake

import (
	"context"
	"sync"

	"runway"
	"runway/internal/runtime"
)

var (
	_ runtime.Backend = (*Backend)(nil)
	_ runtime.Process = (*Process)(nil)
)

// Backend is an in-memory implementation of runtime.Backend.
type Backend struct {
	CallRecorder

	// BackendKind is returned by Kind. Defaults to runway.BackendLocal.
	BackendKind runway.BackendKind

	ProvisionErr error
	InstallErr   error
	DiscardErr   error

	// LaunchFunc produces the process for each Launch call. When nil,
	// Launch returns a fresh Process that never exits on its own.
	LaunchFunc func(spec runtime.LaunchSpec) (runtime.Process, error)
}

// NewBackend creates a Backend reporting the given kind.
func NewBackend(kind runway.BackendKind) *Backend {
	return &Backend{BackendKind: kind}
}

func (b *Backend) Kind() runway.BackendKind {
	if b.BackendKind == "" {
		return runway.BackendLocal
	}
	return b.BackendKind
}

func (b *Backend) Provision(ctx context.Context, bc runtime.BuildContext) error {
	b.record("Provision", bc)
	return b.ProvisionErr
}

func (b *Backend) Install(ctx context.Context, bc runtime.BuildContext) error {
	b.record("Install", bc)
	return b.InstallErr
}

func (b *Backend) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	b.record("Launch", spec)
	if b.LaunchFunc != nil {
		return b.LaunchFunc(spec)
	}
	return NewProcess(1), nil
}

func (b *Backend) Discard(ctx context.Context, bc runtime.BuildContext) error {
	b.record("Discard", bc)
	return b.DiscardErr
}

// Process is a scriptable implementation of runtime.Process. It stays
// alive until Exit, Signal, or Kill delivers an exit code.
type Process struct {
	CallRecorder

	Pid int
	CID string

	// TermCode and KillCode are the exit codes reported after Signal and
	// Kill. They default to the shell conventions for SIGTERM and SIGKILL.
	TermCode int
	KillCode int

	// IgnoreSignal makes Signal a no-op, simulating an entry point that
	// traps SIGTERM and keeps running.
	IgnoreSignal bool

	once  sync.Once
	exitc chan int
}

// NewProcess creates a live Process with the given pid.
func NewProcess(pid int) *Process {
	return &Process{
		Pid:      pid,
		TermCode: 143,
		KillCode: 137,
		exitc:    make(chan int, 1),
	}
}

// Exit makes the process exit with code. Later exits are ignored.
func (p *Process) Exit(code int) {
	p.once.Do(func() { p.exitc <- code })
}

func (p *Process) PID() int { return p.Pid }

func (p *Process) ContainerID() string { return p.CID }

func (p *Process) Wait(ctx context.Context) (int, error) {
	p.record("Wait")
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case code := <-p.exitc:
		return code, nil
	}
}

func (p *Process) Signal(ctx context.Context) error {
	p.record("Signal")
	if !p.IgnoreSignal {
		p.Exit(p.TermCode)
	}
	return nil
}

func (p *Process) Kill(ctx context.Context) error {
	p.record("Kill")
	p.Exit(p.KillCode)
	return nil
}
