package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"runway"
	"runway/internal/runtime"
	"runway/internal/runtime/fake"
)

func collectUpdates(s *Supervisor) *[]Update {
	updates := &[]Update{}
	s.OnUpdate = func(u Update) { *updates = append(*updates, u) }
	return updates
}

func phases(updates []Update) []runway.RunPhase {
	out := make([]runway.RunPhase, len(updates))
	for i, u := range updates {
		out[i] = u.Phase
	}
	return out
}

func phasesEqual(got, want []runway.RunPhase) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRun_CleanExit(t *testing.T) {
	proc := fake.NewProcess(42)
	proc.Exit(0)
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) { return proc, nil }

	s := &Supervisor{Backend: backend, Restart: runway.RestartNever}
	updates := collectUpdates(s)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	want := []runway.RunPhase{runway.RunStarting, runway.RunRunning, runway.RunStopped}
	if got := phases(*updates); !phasesEqual(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	last := (*updates)[len(*updates)-1]
	if last.ExitCode != 0 {
		t.Fatalf("final ExitCode = %d, want 0", last.ExitCode)
	}
}

func TestRun_FailureExitPropagates(t *testing.T) {
	proc := fake.NewProcess(42)
	proc.Exit(7)
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) { return proc, nil }

	s := &Supervisor{Backend: backend, Restart: runway.RestartNever}
	updates := collectUpdates(s)

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want error")
	}
	if !strings.Contains(err.Error(), "exited with code 7") {
		t.Fatalf("Run() error = %q, want mention of exit code 7", err)
	}

	last := (*updates)[len(*updates)-1]
	if last.Phase != runway.RunFailed {
		t.Fatalf("final phase = %v, want %v", last.Phase, runway.RunFailed)
	}
	if last.ExitCode != 7 {
		t.Fatalf("final ExitCode = %d, want 7", last.ExitCode)
	}
}

func TestRun_OnFailureRestartsUntilClean(t *testing.T) {
	launches := 0
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) {
		launches++
		proc := fake.NewProcess(100 + launches)
		if launches == 1 {
			proc.Exit(1)
		} else {
			proc.Exit(0)
		}
		return proc, nil
	}

	s := &Supervisor{
		Backend:    backend,
		Restart:    runway.RestartOnFailure,
		BackoffMin: time.Millisecond,
	}
	updates := collectUpdates(s)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if launches != 2 {
		t.Fatalf("launches = %d, want 2", launches)
	}

	want := []runway.RunPhase{
		runway.RunStarting,
		runway.RunRunning,
		runway.RunRestarting,
		runway.RunRunning,
		runway.RunStopped,
	}
	if got := phases(*updates); !phasesEqual(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	last := (*updates)[len(*updates)-1]
	if last.Restarts != 1 {
		t.Fatalf("final Restarts = %d, want 1", last.Restarts)
	}
}

func TestRun_AlwaysRestartsCleanExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launches := 0
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) {
		launches++
		proc := fake.NewProcess(100 + launches)
		if launches < 3 {
			proc.Exit(0)
		}
		return proc, nil
	}

	s := &Supervisor{
		Backend:    backend,
		Restart:    runway.RestartAlways,
		BackoffMin: time.Millisecond,
	}
	var updates []Update
	s.OnUpdate = func(u Update) {
		updates = append(updates, u)
		// Third process stays alive; stop the supervisor once it is up.
		if u.Phase == runway.RunRunning && u.Restarts == 2 {
			cancel()
		}
	}

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if launches != 3 {
		t.Fatalf("launches = %d, want 3", launches)
	}
	last := updates[len(updates)-1]
	if last.Phase != runway.RunStopped {
		t.Fatalf("final phase = %v, want %v", last.Phase, runway.RunStopped)
	}
}

func TestRun_CancelSignalsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := fake.NewProcess(42)
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) { return proc, nil }

	s := &Supervisor{Backend: backend, Restart: runway.RestartNever}
	var updates []Update
	s.OnUpdate = func(u Update) {
		updates = append(updates, u)
		if u.Phase == runway.RunRunning {
			cancel()
		}
	}

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	last := updates[len(updates)-1]
	if last.Phase != runway.RunStopped {
		t.Fatalf("final phase = %v, want %v", last.Phase, runway.RunStopped)
	}
	if last.ExitCode != 143 {
		t.Fatalf("final ExitCode = %d, want 143", last.ExitCode)
	}
	if got := proc.Count("Signal"); got != 1 {
		t.Fatalf("Signal calls = %d, want 1", got)
	}
	if got := proc.Count("Kill"); got != 0 {
		t.Fatalf("Kill calls = %d, want 0", got)
	}
}

func TestRun_KillAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := fake.NewProcess(42)
	proc.IgnoreSignal = true
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) { return proc, nil }

	s := &Supervisor{
		Backend:   backend,
		Restart:   runway.RestartNever,
		StopGrace: 20 * time.Millisecond,
	}
	var updates []Update
	s.OnUpdate = func(u Update) {
		updates = append(updates, u)
		if u.Phase == runway.RunRunning {
			cancel()
		}
	}

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	last := updates[len(updates)-1]
	if last.ExitCode != 137 {
		t.Fatalf("final ExitCode = %d, want 137", last.ExitCode)
	}
	if got := proc.Count("Kill"); got != 1 {
		t.Fatalf("Kill calls = %d, want 1", got)
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	launchErr := errors.New("environment for \"web\" is not built")
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) { return nil, launchErr }

	s := &Supervisor{Backend: backend, Restart: runway.RestartNever}
	updates := collectUpdates(s)

	err := s.Run(context.Background())
	if !errors.Is(err, launchErr) {
		t.Fatalf("Run() = %v, want %v", err, launchErr)
	}

	last := (*updates)[len(*updates)-1]
	if last.Phase != runway.RunFailed {
		t.Fatalf("final phase = %v, want %v", last.Phase, runway.RunFailed)
	}
	if last.Err == nil {
		t.Fatal("final Err = nil, want launch error")
	}
}

func TestRun_LaunchFailureRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	launches := 0
	backend := fake.NewBackend(runway.BackendLocal)
	backend.LaunchFunc = func(runtime.LaunchSpec) (runtime.Process, error) {
		launches++
		if launches < 3 {
			return nil, errors.New("docker daemon unreachable")
		}
		return fake.NewProcess(42), nil
	}

	s := &Supervisor{
		Backend:    backend,
		Restart:    runway.RestartAlways,
		BackoffMin: time.Millisecond,
	}
	var updates []Update
	s.OnUpdate = func(u Update) {
		updates = append(updates, u)
		if u.Phase == runway.RunRunning {
			cancel()
		}
	}

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if launches != 3 {
		t.Fatalf("launches = %d, want 3", launches)
	}

	// A process that never ran is not restarting: the first retry stays
	// in the starting phase.
	want := []runway.RunPhase{
		runway.RunStarting,
		runway.RunStarting,
		runway.RunRestarting,
		runway.RunRunning,
		runway.RunStopped,
	}
	if got := phases(updates); !phasesEqual(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		policy      runway.RestartPolicy
		code        int
		wantPhase   runway.RunPhase
		wantRestart bool
	}{
		{"never clean", runway.RestartNever, 0, runway.RunStopped, false},
		{"never failure", runway.RestartNever, 3, runway.RunFailed, false},
		{"on-failure clean", runway.RestartOnFailure, 0, runway.RunStopped, false},
		{"on-failure failure", runway.RestartOnFailure, 1, 0, true},
		{"always clean", runway.RestartAlways, 0, 0, true},
		{"always failure", runway.RestartAlways, 9, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Supervisor{Restart: tt.policy}
			phase, restart := s.decide(tt.code)
			if restart != tt.wantRestart {
				t.Fatalf("decide(%d) restart = %v, want %v", tt.code, restart, tt.wantRestart)
			}
			if !restart && phase != tt.wantPhase {
				t.Fatalf("decide(%d) phase = %v, want %v", tt.code, phase, tt.wantPhase)
			}
		})
	}
}

func TestNextBackoff(t *testing.T) {
	s := &Supervisor{BackoffMin: time.Second, BackoffMax: 5 * time.Second}

	tests := []struct {
		current time.Duration
		want    time.Duration
	}{
		{time.Second, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{4 * time.Second, 5 * time.Second},
		{5 * time.Second, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := s.nextBackoff(tt.current); got != tt.want {
			t.Fatalf("nextBackoff(%v) = %v, want %v", tt.current, got, tt.want)
		}
	}
}
