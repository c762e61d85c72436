// Package supervisor keeps one run's entry point alive according to its
// restart policy.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"runway"
	"runway/internal/check"
	"runway/internal/runtime"
)

const (
	// defaultBackoffMin is 500ms: a crash loop is visible immediately
	// without hammering the backend.
	defaultBackoffMin = 500 * time.Millisecond
	// defaultBackoffMax is 30s: crash loops settle at a rate that keeps
	// logs readable.
	defaultBackoffMax = 30 * time.Second
	// defaultHealthyUptime is 30s: a run that lived this long earns a
	// fresh backoff on its next crash.
	defaultHealthyUptime = 30 * time.Second
	// defaultStopGrace is 10s: matches the docker engine's stop timeout so
	// both backends observe the same termination window.
	defaultStopGrace = 10 * time.Second
)

// Update reports one run state change. The phase can repeat while a launch
// is being retried; consumers record a transition only when the phase
// actually changes.
type Update struct {
	Phase       runway.RunPhase
	PID         int
	ContainerID string
	ExitCode    int
	Restarts    int
	Err         error
}

// Supervisor launches a run's entry point as its single foreground process
// and restarts it per policy. The entry point's exit code is the run's
// exit code.
type Supervisor struct {
	Spec    runtime.LaunchSpec
	Backend runtime.Backend
	Restart runway.RestartPolicy

	// BackoffMin and BackoffMax bound the restart delay. Zero means the
	// package default.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// HealthyUptime resets the backoff once a run has lived this long.
	HealthyUptime time.Duration
	// StopGrace is how long a signaled entry point gets before Kill.
	StopGrace time.Duration

	// OnUpdate receives every state change, called from the Run goroutine.
	OnUpdate func(Update)
}

type waitResult struct {
	code int
	err  error
}

// Run supervises the run until it reaches a terminal phase or ctx is
// canceled. Cancelation stops the entry point gracefully and reports the
// run as stopped with a nil error; the returned error is the terminal
// failure cause otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	check.Assert(s.Backend != nil, "Supervisor.Run: Backend must not be nil")
	check.Assertf(s.Restart.IsValid(), "Supervisor.Run: invalid restart policy %q", s.Restart)

	backoff := s.backoffMin()
	restarts := 0
	s.emit(Update{Phase: runway.RunStarting})

	for {
		proc, err := s.Backend.Launch(ctx, s.Spec)
		if err != nil {
			if ctx.Err() != nil {
				s.emit(Update{Phase: runway.RunStopped, ExitCode: -1, Restarts: restarts})
				return nil
			}
			if s.Restart == runway.RestartNever {
				s.emit(Update{Phase: runway.RunFailed, ExitCode: -1, Restarts: restarts, Err: err})
				return err
			}
			restarts++
			// First failures never left RunStarting; do not report a
			// restart of something that never ran.
			phase := runway.RunStarting
			if restarts > 1 {
				phase = runway.RunRestarting
			}
			s.emit(Update{Phase: phase, ExitCode: -1, Restarts: restarts, Err: err})
			if !sleepWithContext(ctx, backoff) {
				s.emit(Update{Phase: runway.RunStopped, ExitCode: -1, Restarts: restarts})
				return nil
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		s.emit(Update{
			Phase:       runway.RunRunning,
			PID:         proc.PID(),
			ContainerID: proc.ContainerID(),
			Restarts:    restarts,
		})

		started := time.Now()
		waitc := make(chan waitResult, 1)
		go func() {
			// Background context: the wait must survive ctx cancelation so
			// terminate can still collect the exit code.
			code, werr := proc.Wait(context.Background())
			waitc <- waitResult{code: code, err: werr}
		}()

		select {
		case <-ctx.Done():
			code := s.terminate(proc, waitc)
			s.emit(Update{Phase: runway.RunStopped, ExitCode: code, Restarts: restarts})
			return nil

		case res := <-waitc:
			if res.err != nil {
				s.emit(Update{Phase: runway.RunFailed, ExitCode: -1, Restarts: restarts, Err: res.err})
				return fmt.Errorf("wait for entry point: %w", res.err)
			}

			final, restart := s.decide(res.code)
			if !restart {
				if final == runway.RunFailed {
					ferr := fmt.Errorf("entry point exited with code %d", res.code)
					s.emit(Update{Phase: final, ExitCode: res.code, Restarts: restarts, Err: ferr})
					return ferr
				}
				s.emit(Update{Phase: final, ExitCode: res.code, Restarts: restarts})
				return nil
			}

			restarts++
			s.emit(Update{Phase: runway.RunRestarting, ExitCode: res.code, Restarts: restarts})
			if time.Since(started) >= s.healthyUptime() {
				backoff = s.backoffMin()
			}
			if !sleepWithContext(ctx, backoff) {
				s.emit(Update{Phase: runway.RunStopped, ExitCode: res.code, Restarts: restarts})
				return nil
			}
			backoff = s.nextBackoff(backoff)
		}
	}
}

// decide maps an exit code to a terminal phase or a restart.
func (s *Supervisor) decide(code int) (runway.RunPhase, bool) {
	switch s.Restart {
	case runway.RestartAlways:
		return 0, true
	case runway.RestartOnFailure:
		if code != 0 {
			return 0, true
		}
		return runway.RunStopped, false
	default:
		if code != 0 {
			return runway.RunFailed, false
		}
		return runway.RunStopped, false
	}
}

// terminate stops the entry point: Signal first, Kill after the grace
// period. Returns the collected exit code.
func (s *Supervisor) terminate(proc runtime.Process, waitc <-chan waitResult) int {
	sigCtx, cancel := context.WithTimeout(context.Background(), s.stopGrace())
	defer cancel()
	if err := proc.Signal(sigCtx); err != nil {
		slog.Debug("Stop signal failed.", "run", s.Spec.RunID, "err", err)
	}

	grace := time.NewTimer(s.stopGrace())
	defer grace.Stop()
	select {
	case res := <-waitc:
		return res.code
	case <-grace.C:
	}

	slog.Warn("Entry point ignored stop signal, killing.", "run", s.Spec.RunID)
	killCtx, cancelKill := context.WithTimeout(context.Background(), s.stopGrace())
	defer cancelKill()
	if err := proc.Kill(killCtx); err != nil {
		slog.Warn("Kill failed.", "run", s.Spec.RunID, "err", err)
	}
	res := <-waitc
	return res.code
}

func (s *Supervisor) emit(u Update) {
	if s.OnUpdate != nil {
		s.OnUpdate(u)
	}
	slog.Debug("run state change",
		"run", s.Spec.RunID,
		"phase", u.Phase,
		"exit_code", u.ExitCode,
		"restarts", u.Restarts,
		"err", u.Err,
	)
}

func (s *Supervisor) backoffMin() time.Duration {
	if s.BackoffMin > 0 {
		return s.BackoffMin
	}
	return defaultBackoffMin
}

func (s *Supervisor) backoffMax() time.Duration {
	if s.BackoffMax > 0 {
		return s.BackoffMax
	}
	return defaultBackoffMax
}

func (s *Supervisor) healthyUptime() time.Duration {
	if s.HealthyUptime > 0 {
		return s.HealthyUptime
	}
	return defaultHealthyUptime
}

func (s *Supervisor) stopGrace() time.Duration {
	if s.StopGrace > 0 {
		return s.StopGrace
	}
	return defaultStopGrace
}

func (s *Supervisor) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > s.backoffMax() {
		return s.backoffMax()
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
