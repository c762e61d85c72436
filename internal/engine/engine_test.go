package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"runway"
	"runway/internal/manifest"
	"runway/internal/runtime"
	"runway/internal/runtime/fake"
	"runway/internal/store"
)

func writeAppDir(t *testing.T, requirements string) manifest.App {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "runway.yaml"), []byte("name: web\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if requirements != "" {
		if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(requirements), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	app, err := manifest.LoadApp(dir)
	if err != nil {
		t.Fatal(err)
	}
	return app
}

func newTestEngine(t *testing.T, backend runtime.Backend) *Engine {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(root, st, WithBackend(backend))
}

func TestBuild_Succeeds(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "flask==2.0.0\nrequests==2.31.0\n")

	build, err := e.Build(context.Background(), app)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if build.Phase != runway.BuildSucceeded {
		t.Fatalf("Phase = %v, want %v", build.Phase, runway.BuildSucceeded)
	}
	if build.Requirements != 2 {
		t.Errorf("Requirements = %d, want 2", build.Requirements)
	}
	if build.ManifestHash == "" {
		t.Error("ManifestHash is empty")
	}

	receipt, err := ReadReceipt(e.Root(), "web")
	if err != nil {
		t.Fatalf("ReadReceipt: %v", err)
	}
	if receipt.BuildID != build.ID {
		t.Errorf("receipt BuildID = %q, want %q", receipt.BuildID, build.ID)
	}
	if receipt.Port != 8080 {
		t.Errorf("receipt Port = %d, want 8080", receipt.Port)
	}
	wantReqs := []string{"flask==2.0.0", "requests==2.31.0"}
	if len(receipt.Requirements) != len(wantReqs) {
		t.Fatalf("receipt Requirements = %v, want %v", receipt.Requirements, wantReqs)
	}
	for i, want := range wantReqs {
		if receipt.Requirements[i] != want {
			t.Errorf("receipt Requirements[%d] = %q, want %q", i, receipt.Requirements[i], want)
		}
	}

	if _, err := os.Stat(filepath.Join(e.Root(), "staging", build.ID)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging directory still present after promote (stat err = %v)", err)
	}
	if _, err := os.Stat(filepath.Join(e.Root(), "logs", "web", "build-"+build.ID+".log")); err != nil {
		t.Errorf("build log missing: %v", err)
	}

	if got := backend.Count("Provision"); got != 1 {
		t.Errorf("Provision calls = %d, want 1", got)
	}
	if got := backend.Count("Install"); got != 1 {
		t.Errorf("Install calls = %d, want 1", got)
	}
	if got := backend.Count("Discard"); got != 0 {
		t.Errorf("Discard calls = %d, want 0", got)
	}

	stored, found, err := e.store.GetBuild(context.Background(), build.ID)
	if err != nil || !found {
		t.Fatalf("GetBuild: found=%v err=%v", found, err)
	}
	if stored.Phase != runway.BuildSucceeded {
		t.Errorf("stored Phase = %v, want %v", stored.Phase, runway.BuildSucceeded)
	}
}

func TestBuild_EmptyManifest(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "# no dependencies\n")

	build, err := e.Build(context.Background(), app)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if build.Requirements != 0 {
		t.Errorf("Requirements = %d, want 0", build.Requirements)
	}

	receipt, err := ReadReceipt(e.Root(), "web")
	if err != nil {
		t.Fatalf("ReadReceipt: %v", err)
	}
	if len(receipt.Requirements) != 0 {
		t.Errorf("receipt Requirements = %v, want empty", receipt.Requirements)
	}
}

func TestBuild_InstallFailureDiscards(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	backend.InstallErr = errors.New("pip install exited with code 1")
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "not-a-real-package-xyz\n")

	build, err := e.Build(context.Background(), app)
	if err == nil {
		t.Fatal("Build() error = nil, want install failure")
	}
	if build.Phase != runway.BuildFailed {
		t.Fatalf("Phase = %v, want %v", build.Phase, runway.BuildFailed)
	}
	if !strings.Contains(build.Error, "pip install exited with code 1") {
		t.Errorf("build Error = %q, want installer failure", build.Error)
	}

	if _, err := ReadReceipt(e.Root(), "web"); !errors.Is(err, ErrNotBuilt) {
		t.Errorf("ReadReceipt after failed build = %v, want ErrNotBuilt", err)
	}
	if _, err := os.Stat(filepath.Join(e.Root(), "staging", build.ID)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging directory still present after failure (stat err = %v)", err)
	}
	if got := backend.Count("Discard"); got != 1 {
		t.Errorf("Discard calls = %d, want 1", got)
	}

	stored, found, err := e.store.GetBuild(context.Background(), build.ID)
	if err != nil || !found {
		t.Fatalf("GetBuild: found=%v err=%v", found, err)
	}
	if stored.Phase != runway.BuildFailed {
		t.Errorf("stored Phase = %v, want %v", stored.Phase, runway.BuildFailed)
	}
}

func TestBuild_MissingManifest(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "")

	build, err := e.Build(context.Background(), app)
	if err == nil {
		t.Fatal("Build() error = nil, want manifest read failure")
	}
	if build.Phase != runway.BuildFailed {
		t.Fatalf("Phase = %v, want %v", build.Phase, runway.BuildFailed)
	}
	if got := backend.Count("Provision"); got != 0 {
		t.Errorf("Provision calls = %d, want 0", got)
	}
}

func TestBuild_ReplacesPreviousEnvironment(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "flask==2.0.0\n")

	first, err := e.Build(context.Background(), app)
	if err != nil {
		t.Fatalf("Build() (first) error = %v", err)
	}
	second, err := e.Build(context.Background(), app)
	if err != nil {
		t.Fatalf("Build() (second) error = %v", err)
	}

	receipt, err := ReadReceipt(e.Root(), "web")
	if err != nil {
		t.Fatalf("ReadReceipt: %v", err)
	}
	if receipt.BuildID != second.ID {
		t.Errorf("receipt BuildID = %q, want second build %q", receipt.BuildID, second.ID)
	}
	if receipt.BuildID == first.ID {
		t.Error("receipt still points at the first build")
	}

	entries, err := os.ReadDir(filepath.Join(e.Root(), "envs"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".retired-") {
			t.Errorf("retired environment left behind: %s", entry.Name())
		}
	}
}

func TestBuild_FailureKeepsPreviousEnvironment(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "flask==2.0.0\n")

	first, err := e.Build(context.Background(), app)
	if err != nil {
		t.Fatalf("Build() (first) error = %v", err)
	}

	backend.InstallErr = errors.New("resolution failed")
	if _, err := e.Build(context.Background(), app); err == nil {
		t.Fatal("Build() (second) error = nil, want install failure")
	}

	// The failed build must not have touched the promoted environment.
	receipt, err := ReadReceipt(e.Root(), "web")
	if err != nil {
		t.Fatalf("ReadReceipt: %v", err)
	}
	if receipt.BuildID != first.ID {
		t.Errorf("receipt BuildID = %q, want %q", receipt.BuildID, first.ID)
	}
}

// scriptedBackend wraps the fake backend with test-scripted provisioning
// and install output.
type scriptedBackend struct {
	*fake.Backend

	provisionStarted chan struct{}
	release          chan struct{}
	installOutput    string
	installErr       error
}

func (s *scriptedBackend) Provision(ctx context.Context, bc runtime.BuildContext) error {
	if s.provisionStarted != nil {
		close(s.provisionStarted)
		<-s.release
	}
	return s.Backend.Provision(ctx, bc)
}

func (s *scriptedBackend) Install(ctx context.Context, bc runtime.BuildContext) error {
	if s.installOutput != "" {
		if _, err := io.WriteString(bc.Output, s.installOutput); err != nil {
			return err
		}
	}
	if s.installErr != nil {
		return s.installErr
	}
	return s.Backend.Install(ctx, bc)
}

func TestBuild_RefusesConcurrentBuild(t *testing.T) {
	backend := &scriptedBackend{
		Backend:          fake.NewBackend(runway.BackendLocal),
		provisionStarted: make(chan struct{}),
		release:          make(chan struct{}),
	}
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "flask==2.0.0\n")

	done := make(chan error, 1)
	go func() {
		_, err := e.Build(context.Background(), app)
		done <- err
	}()

	<-backend.provisionStarted
	_, err := e.Build(context.Background(), app)
	if !errors.Is(err, ErrBuildInProgress) {
		t.Fatalf("concurrent Build() error = %v, want ErrBuildInProgress", err)
	}

	close(backend.release)
	if err := <-done; err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
}

func TestBuild_FailureCarriesOutputTail(t *testing.T) {
	backend := &scriptedBackend{
		Backend:       fake.NewBackend(runway.BackendLocal),
		installOutput: "ERROR: No matching distribution found for not-a-real-package-xyz\n",
		installErr:    errors.New("pip install exited with code 1"),
	}
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "not-a-real-package-xyz\n")

	build, err := e.Build(context.Background(), app)
	if err == nil {
		t.Fatal("Build() error = nil, want install failure")
	}
	if !strings.Contains(build.Error, "pip install exited with code 1") {
		t.Errorf("build Error = %q, want failure cause", build.Error)
	}
	if !strings.Contains(build.Error, "No matching distribution found") {
		t.Errorf("build Error = %q, want installer output tail", build.Error)
	}
}

func TestRemove(t *testing.T) {
	backend := fake.NewBackend(runway.BackendLocal)
	e := newTestEngine(t, backend)
	app := writeAppDir(t, "flask==2.0.0\n")

	if _, err := e.Build(context.Background(), app); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if err := e.Remove(context.Background(), "web"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := ReadReceipt(e.Root(), "web"); !errors.Is(err, ErrNotBuilt) {
		t.Errorf("ReadReceipt after Remove = %v, want ErrNotBuilt", err)
	}
	if got := backend.Count("Discard"); got != 1 {
		t.Errorf("Discard calls = %d, want 1", got)
	}

	if err := e.Remove(context.Background(), "web"); !errors.Is(err, ErrNotBuilt) {
		t.Errorf("Remove() (again) error = %v, want ErrNotBuilt", err)
	}
}

func TestReadReceipt_NotBuilt(t *testing.T) {
	if _, err := ReadReceipt(t.TempDir(), "ghost"); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("ReadReceipt = %v, want ErrNotBuilt", err)
	}
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name   string
		max    int
		writes []string
		want   string
	}{
		{"under capacity", 16, []string{"abc", "def"}, "abcdef"},
		{"rolls over", 8, []string{"abcdef", "ghijk"}, "defghijk"},
		{"single oversized write", 4, []string{"abcdefgh"}, "efgh"},
		{"exact capacity", 6, []string{"abc", "def"}, "abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tail := newTailBuffer(tt.max)
			for _, w := range tt.writes {
				if _, err := tail.Write([]byte(w)); err != nil {
					t.Fatal(err)
				}
			}
			if got := tail.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
