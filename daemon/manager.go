package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"runway"
	"runway/internal/defaults"
	"runway/internal/engine"
	"runway/internal/manifest"
	"runway/internal/runtime"
	"runway/internal/store"
	"runway/internal/supervisor"
)

// ErrRunActive marks a start request for an app that already has a live run.
var ErrRunActive = errors.New("run already active")

// ErrNotRunning marks a stop request for an app without a live run.
var ErrNotRunning = errors.New("no active run")

type runHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the daemon's live runs. Every run gets one supervisor
// goroutine whose lifetime is bound to the daemon, not to the request that
// started it. The manager enforces one live run per app and records every
// phase change in the store.
type Manager struct {
	ctx    context.Context
	engine *engine.Engine
	store  *store.Store
	now    func() time.Time
	newID  func() string

	mu   sync.Mutex
	runs map[string]*runHandle
	wg   sync.WaitGroup
}

// NewManager creates a manager whose supervisors stop when ctx is canceled.
func NewManager(ctx context.Context, eng *engine.Engine, st *store.Store) *Manager {
	return &Manager{
		ctx:    ctx,
		engine: eng,
		store:  st,
		now:    time.Now,
		newID:  uuid.NewString,
		runs:   make(map[string]*runHandle),
	}
}

// Start launches app's promoted environment under supervision. It returns
// once the run's launch is decided: the entry point is running, the run
// already reached a terminal phase, or the first launch attempt failed and
// the restart policy is retrying it. The returned error is non-nil only
// when the run is already terminally failed.
func (m *Manager) Start(ctx context.Context, app manifest.App) (runway.Run, error) {
	receipt, err := engine.ReadReceipt(m.engine.Root(), app.Name)
	if err != nil {
		return runway.Run{}, err
	}
	backend, err := m.engine.Backend(runway.BackendKind(receipt.Backend))
	if err != nil {
		return runway.Run{}, err
	}

	run := runway.Run{
		ID:        m.newID(),
		App:       app.Name,
		BuildID:   receipt.BuildID,
		Backend:   runway.BackendKind(receipt.Backend),
		Port:      receipt.Port,
		Restart:   app.Restart,
		Phase:     runway.RunStarting,
		ExitCode:  -1, // no exit yet
		StartedAt: m.now().UTC(),
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	h := &runHandle{id: run.ID, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, ok := m.runs[app.Name]; ok {
		m.mu.Unlock()
		cancel()
		return runway.Run{}, fmt.Errorf("app %q: %w", app.Name, ErrRunActive)
	}
	m.runs[app.Name] = h
	m.mu.Unlock()

	logFile, err := openRunLog(m.engine.Root(), app.Name, run.ID)
	if err != nil {
		m.abort(app.Name, h)
		return runway.Run{}, err
	}
	if err := m.store.SaveRun(ctx, run); err != nil {
		_ = logFile.Close()
		m.abort(app.Name, h)
		return runway.Run{}, err
	}

	spec := runtime.LaunchSpec{
		RunID:   run.ID,
		App:     app.Name,
		AppRoot: app.Root,
		EnvDir:  defaults.EnvDir(m.engine.Root(), app.Name),
		Receipt: receipt,
		Env:     app.Env,
		Output:  logFile,
	}

	decided := make(chan runway.Run, 1)
	m.wg.Add(1)
	go m.supervise(runCtx, h, backend, spec, run, logFile, decided)

	slog.Info("Run submitted.", "app", app.Name, "run", run.ID, "build", receipt.BuildID, "backend", receipt.Backend)

	select {
	case snap := <-decided:
		if snap.Exited() {
			// Already terminal; wait out the handle cleanup so an
			// immediate retry does not see a ghost run.
			<-h.done
		}
		if snap.Phase == runway.RunFailed {
			return snap, fmt.Errorf("run %q: %s", snap.ID, snap.Error)
		}
		return snap, nil
	case <-ctx.Done():
		// The request died; the run keeps going. Report what was submitted.
		return run, nil
	}
}

// supervise drives one run to its terminal phase, persisting every state
// change. It owns the log file and the handle's map slot.
func (m *Manager) supervise(ctx context.Context, h *runHandle, backend runtime.Backend, spec runtime.LaunchSpec, run runway.Run, logFile *os.File, decided chan<- runway.Run) {
	defer m.wg.Done()
	defer close(h.done)
	defer func() { _ = logFile.Close() }()
	defer m.removeHandle(run.App, h)

	var once sync.Once
	sup := &supervisor.Supervisor{
		Spec:    spec,
		Backend: backend,
		Restart: run.Restart,
		OnUpdate: func(u supervisor.Update) {
			snap := m.applyUpdate(&run, u)
			// Persist detached from the run context so a canceled run
			// still records its terminal phase.
			if err := m.store.SaveRun(context.Background(), snap); err != nil {
				slog.Warn("Recording run state failed.", "run", run.ID, "err", err)
			}
			if u.Phase == runway.RunRunning || snap.Exited() || u.Err != nil {
				once.Do(func() { decided <- snap })
			}
		},
	}

	if err := sup.Run(ctx); err != nil {
		slog.Warn("Run failed.", "app", run.App, "run", run.ID, "err", err)
		return
	}
	slog.Info("Run finished.", "app", run.App, "run", run.ID, "exit_code", run.ExitCode)
}

// applyUpdate folds one supervisor update into the run record and returns a
// snapshot. Called only from the supervising goroutine.
func (m *Manager) applyUpdate(r *runway.Run, u supervisor.Update) runway.Run {
	if u.Phase != r.Phase {
		r.Phase = r.Phase.Transition(u.Phase)
	}
	if u.PID != 0 {
		r.PID = u.PID
	}
	if u.ContainerID != "" {
		r.ContainerID = u.ContainerID
	}
	switch u.Phase {
	case runway.RunRestarting, runway.RunStopped, runway.RunFailed:
		r.ExitCode = u.ExitCode
	}
	r.Restarts = u.Restarts
	if u.Err != nil {
		r.Error = u.Err.Error()
	} else if u.Phase == runway.RunRunning {
		r.Error = ""
	}
	if r.Exited() {
		r.FinishedAt = m.now().UTC()
	}
	return *r
}

// Stop terminates app's live run gracefully and returns the final record.
func (m *Manager) Stop(ctx context.Context, app string) (runway.Run, error) {
	m.mu.Lock()
	h, ok := m.runs[app]
	m.mu.Unlock()
	if !ok {
		return runway.Run{}, fmt.Errorf("app %q: %w", app, ErrNotRunning)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return runway.Run{}, ctx.Err()
	}

	run, found, err := m.store.GetRun(ctx, h.id)
	if err != nil {
		return runway.Run{}, err
	}
	if !found {
		return runway.Run{}, fmt.Errorf("run %q missing after stop", h.id)
	}
	slog.Info("Run stopped.", "app", app, "run", run.ID, "exit_code", run.ExitCode)
	return run, nil
}

// Active returns the live run ID for app, if any. Rebuilds and removals
// are refused while a run is active.
func (m *Manager) Active(app string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.runs[app]
	if !ok {
		return "", false
	}
	return h.id, true
}

// ReconcileStale closes out run records left live by a previous daemon.
// Their processes died with that daemon, so the records must not keep
// claiming a foreground process.
func (m *Manager) ReconcileStale(ctx context.Context) error {
	stale, err := m.store.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range stale {
		run.Phase = run.Phase.Transition(runway.RunStopped)
		run.Error = "orphaned by daemon restart"
		run.FinishedAt = m.now().UTC()
		if err := m.store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("reconcile run %q: %w", run.ID, err)
		}
		slog.Warn("Marked orphaned run as stopped.", "app", run.App, "run", run.ID)
	}
	return nil
}

// Wait blocks until every supervisor goroutine has finished. Call after
// canceling the manager's context.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// abort undoes a partially started run before its goroutine exists.
func (m *Manager) abort(app string, h *runHandle) {
	h.cancel()
	m.removeHandle(app, h)
	close(h.done)
}

func (m *Manager) removeHandle(app string, h *runHandle) {
	m.mu.Lock()
	if m.runs[app] == h {
		delete(m.runs, app)
	}
	m.mu.Unlock()
}

func openRunLog(root, app, runID string) (*os.File, error) {
	dir := defaults.LogDir(root, app)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "run-"+runID+".log"))
	if err != nil {
		return nil, fmt.Errorf("create run log: %w", err)
	}
	return f, nil
}
