// Package engine executes bootstrap builds. A build provisions an isolated
// runtime environment in a staging directory, installs the dependency
// manifest into it, writes the build receipt, and promotes the staged
// environment with an atomic rename. Failures discard the staging
// directory, so no partial environment is ever promoted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"runway"
	"runway/internal/check"
	"runway/internal/defaults"
	"runway/internal/manifest"
	"runway/internal/runtime"
	"runway/internal/store"
	"runway/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotBuilt marks an app without a promoted environment.
var ErrNotBuilt = errors.New("environment not built")

// ErrBuildInProgress marks a second build submitted while one is running.
var ErrBuildInProgress = errors.New("build already in progress")

// ErrNoBackend marks a request for a backend kind this engine was not
// configured with.
var ErrNoBackend = errors.New("backend not configured")

// tailBytes is 4096: enough installer output to diagnose a failed build
// without bloating the build record.
const tailBytes = 4096

type Engine struct {
	root     string
	store    *store.Store
	backends map[runway.BackendKind]runtime.Backend
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	mu       sync.Mutex
	inflight map[string]bool
}

type Option func(*Engine)

// WithBackend registers the backend for its kind.
func WithBackend(b runtime.Backend) Option {
	check.Assert(b != nil, "engine.WithBackend: backend must not be nil")
	return func(e *Engine) {
		e.backends[b.Kind()] = b
	}
}

// WithTracer overrides the build pipeline tracer.
func WithTracer(t trace.Tracer) Option {
	check.Assert(t != nil, "engine.WithTracer: tracer must not be nil")
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	check.Assert(now != nil, "engine.WithClock: clock must not be nil")
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides build ID generation. Tests use it to pin IDs.
func WithIDGenerator(fn func() string) Option {
	check.Assert(fn != nil, "engine.WithIDGenerator: generator must not be nil")
	return func(e *Engine) {
		e.newID = fn
	}
}

// New creates an engine rooted at the data root.
func New(root string, st *store.Store, opts ...Option) *Engine {
	check.Assert(strings.TrimSpace(root) != "", "engine.New: root must not be empty")
	check.Assert(st != nil, "engine.New: store must not be nil")

	e := &Engine{
		root:     root,
		store:    st,
		backends: make(map[runway.BackendKind]runtime.Backend),
		tracer:   otel.Tracer("runway/engine"),
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the registered backend for kind.
func (e *Engine) Backend(kind runway.BackendKind) (runtime.Backend, error) {
	b, ok := e.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrNoBackend)
	}
	return b, nil
}

// Root returns the engine's data root.
func (e *Engine) Root() string { return e.root }

// Build runs the bootstrap pipeline for app and returns the final build
// record. The record is persisted in every outcome; on failure it carries
// the failure cause and the tail of the build output.
func (e *Engine) Build(ctx context.Context, app manifest.App) (runway.Build, error) {
	if err := app.Validate(); err != nil {
		return runway.Build{}, err
	}
	backend, err := e.Backend(app.Backend)
	if err != nil {
		return runway.Build{}, err
	}
	if !e.beginBuild(app.Name) {
		return runway.Build{}, fmt.Errorf("app %q: %w", app.Name, ErrBuildInProgress)
	}
	defer e.endBuild(app.Name)

	id := e.newID()
	build := runway.Build{
		ID:         id,
		App:        app.Name,
		Backend:    app.Backend,
		Python:     app.Python,
		Entrypoint: app.Entrypoint,
		Port:       app.Port,
		Phase:      runway.BuildPending,
		CreatedAt:  e.now().UTC(),
	}
	if app.Backend == runway.BackendDocker {
		build.ImageRef = defaults.ImageRef(app.Name, id)
	}
	if err := e.store.SaveBuild(ctx, build); err != nil {
		return runway.Build{}, err
	}

	op, err := telemetry.EmitPlan(ctx, e.tracer, "bootstrap.build", telemetry.Plan{Steps: []telemetry.PlannedStep{
		{ID: "provision", Title: "provisioning environment"},
		{ID: "install", Title: "installing dependencies"},
		{ID: "promote", Title: "promoting environment"},
	}})
	if err != nil {
		return runway.Build{}, err
	}

	b := &buildOp{
		engine:  e,
		backend: backend,
		app:     app,
		build:   build,
		op:      op,
	}
	final, err := b.run(op.Context())
	op.End(err)
	return final, err
}

func (e *Engine) beginBuild(app string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[app] {
		return false
	}
	e.inflight[app] = true
	return true
}

func (e *Engine) endBuild(app string) {
	e.mu.Lock()
	delete(e.inflight, app)
	e.mu.Unlock()
}

// Remove tears down an app's promoted environment and its backend
// artifacts. Removing an app that was never built reports ErrNotBuilt.
func (e *Engine) Remove(ctx context.Context, app string) error {
	receipt, err := ReadReceipt(e.root, app)
	if err != nil {
		return err
	}
	backend, err := e.Backend(runway.BackendKind(receipt.Backend))
	if err != nil {
		return err
	}

	bc := runtime.BuildContext{
		Build: runway.Build{ID: receipt.BuildID, App: app, ImageRef: receipt.ImageRef},
		App:   manifest.App{Name: app},
	}
	if err := backend.Discard(ctx, bc); err != nil {
		return fmt.Errorf("discard %s artifacts for %q: %w", receipt.Backend, app, err)
	}
	if err := os.RemoveAll(defaults.EnvDir(e.root, app)); err != nil {
		return fmt.Errorf("remove environment for %q: %w", app, err)
	}
	slog.Info("Environment removed.", "app", app, "build", receipt.BuildID)
	return nil
}

// ReadReceipt loads the receipt from an app's promoted environment.
func ReadReceipt(root, app string) (runway.Receipt, error) {
	data, err := os.ReadFile(filepath.Join(defaults.EnvDir(root, app), runway.ReceiptName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return runway.Receipt{}, fmt.Errorf("app %q: %w", app, ErrNotBuilt)
		}
		return runway.Receipt{}, fmt.Errorf("read receipt for %q: %w", app, err)
	}
	return runway.DecodeReceipt(data)
}

// buildOp holds one build's state across the pipeline steps.
type buildOp struct {
	engine  *Engine
	backend runtime.Backend
	app     manifest.App
	build   runway.Build
	mf      *manifest.File
	stage   string
	tail    *tailBuffer
	logFile *os.File
	out     io.Writer
	op      *telemetry.Operation
}

func (b *buildOp) run(ctx context.Context) (runway.Build, error) {
	e := b.engine
	slog.Info("Build started.", "app", b.app.Name, "build", b.build.ID, "backend", b.app.Backend)

	mf, err := manifest.ReadRequirements(b.app.RequirementsPath())
	if err != nil {
		return b.fail(fmt.Errorf("read dependency manifest: %w", err))
	}
	b.mf = mf
	b.build.Requirements = len(mf.Entries)
	b.build.ManifestHash = mf.Hash

	if err := b.openLog(); err != nil {
		return b.fail(err)
	}
	defer b.closeLog()

	b.stage = defaults.StagingDir(e.root, b.build.ID)
	if err := os.MkdirAll(b.stage, 0o755); err != nil {
		return b.fail(fmt.Errorf("create staging directory: %w", err))
	}

	steps := []struct {
		id    string
		phase runway.BuildPhase
		fn    func(context.Context) error
	}{
		{"provision", runway.BuildProvisioning, b.provision},
		{"install", runway.BuildInstalling, b.install},
		{"promote", 0, b.promote},
	}
	for _, s := range steps {
		if s.phase != 0 {
			b.build.Phase = b.build.Phase.Transition(s.phase)
			if err := e.store.SaveBuild(ctx, b.build); err != nil {
				return b.fail(err)
			}
		}
		if err := b.op.RunStep(ctx, s.id, s.fn); err != nil {
			return b.fail(err)
		}
	}

	b.build.Phase = b.build.Phase.Transition(runway.BuildSucceeded)
	b.build.FinishedAt = e.now().UTC()
	if err := e.store.SaveBuild(ctx, b.build); err != nil {
		return b.fail(err)
	}
	slog.Info("Build succeeded.", "app", b.app.Name, "build", b.build.ID, "requirements", b.build.Requirements)
	return b.build, nil
}

func (b *buildOp) provision(ctx context.Context) error {
	return b.backend.Provision(ctx, b.buildContext())
}

func (b *buildOp) install(ctx context.Context) error {
	return b.backend.Install(ctx, b.buildContext())
}

// promote writes the receipt into the staged environment and renames it
// into place. Rename keeps promotion atomic: a reader sees either the
// previous environment or the complete new one, never a mix.
func (b *buildOp) promote(context.Context) error {
	receipt := runway.Receipt{
		App:          b.app.Name,
		BuildID:      b.build.ID,
		Backend:      string(b.app.Backend),
		Python:       b.app.Python,
		Entrypoint:   b.app.Entrypoint,
		Port:         b.app.Port,
		Requirements: rawEntries(b.mf),
		ManifestHash: b.mf.Hash,
		ImageRef:     b.build.ImageRef,
		CreatedAt:    b.engine.now().UTC(),
	}
	data, err := runway.EncodeReceipt(receipt)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.stage, runway.ReceiptName), data, 0o644); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}

	envDir := defaults.EnvDir(b.engine.root, b.app.Name)
	if err := os.MkdirAll(filepath.Dir(envDir), 0o755); err != nil {
		return fmt.Errorf("create environments directory: %w", err)
	}

	retired := envDir + ".retired-" + b.build.ID
	replacing := false
	if _, err := os.Stat(envDir); err == nil {
		replacing = true
		if err := os.Rename(envDir, retired); err != nil {
			return fmt.Errorf("retire previous environment: %w", err)
		}
	}
	if err := os.Rename(b.stage, envDir); err != nil {
		if replacing {
			_ = os.Rename(retired, envDir)
		}
		return fmt.Errorf("promote environment: %w", err)
	}
	if replacing {
		_ = os.RemoveAll(retired)
	}
	return nil
}

// fail records the terminal failure, discards backend artifacts, and
// removes the staging directory. The returned build carries the failure
// cause plus the tail of the build output.
func (b *buildOp) fail(cause error) (runway.Build, error) {
	e := b.engine
	b.build.Phase = b.build.Phase.Transition(runway.BuildFailed)
	b.build.Error = b.failureMessage(cause)
	b.build.FinishedAt = e.now().UTC()

	// Cleanup runs detached from the build context so a canceled build
	// still discards its staging directory.
	ctx := context.Background()
	if b.stage != "" {
		if err := b.backend.Discard(ctx, b.buildContext()); err != nil {
			slog.Warn("Discarding build artifacts failed.", "app", b.app.Name, "build", b.build.ID, "err", err)
		}
		if err := os.RemoveAll(b.stage); err != nil {
			slog.Warn("Removing staging directory failed.", "app", b.app.Name, "build", b.build.ID, "err", err)
		}
	}
	if err := e.store.SaveBuild(ctx, b.build); err != nil {
		slog.Warn("Recording failed build failed.", "app", b.app.Name, "build", b.build.ID, "err", err)
	}

	slog.Warn("Build failed.", "app", b.app.Name, "build", b.build.ID, "err", cause)
	return b.build, cause
}

func (b *buildOp) failureMessage(cause error) string {
	msg := cause.Error()
	if b.tail != nil {
		if tail := strings.TrimSpace(b.tail.String()); tail != "" {
			msg += "\n" + tail
		}
	}
	return msg
}

func (b *buildOp) buildContext() runtime.BuildContext {
	return runtime.BuildContext{
		Build:    b.build,
		App:      b.app,
		Manifest: b.mf,
		StageDir: b.stage,
		Output:   b.out,
	}
}

func (b *buildOp) openLog() error {
	dir := defaults.LogDir(b.engine.root, b.app.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "build-"+b.build.ID+".log"))
	if err != nil {
		return fmt.Errorf("create build log: %w", err)
	}
	b.logFile = f
	b.tail = newTailBuffer(tailBytes)
	b.out = io.MultiWriter(f, b.tail)
	return nil
}

func (b *buildOp) closeLog() {
	if b.logFile != nil {
		_ = b.logFile.Close()
	}
}

func rawEntries(mf *manifest.File) []string {
	out := make([]string, len(mf.Entries))
	for i, entry := range mf.Entries {
		out[i] = entry.Raw
	}
	return out
}
