package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"runway"
	"runway/api"
	"runway/internal/defaults"
	"runway/internal/doctor"
	"runway/internal/engine"
	"runway/internal/manifest"
	"runway/internal/runtime/fake"
	"runway/internal/store"
)

type serverFixture struct {
	router  *gin.Engine
	backend *fake.Backend
	store   *store.Store
	mgr     *Manager
	root    string
	appDir  string
}

// newServerFixture wires the full daemon stack behind a router: real
// engine, store, and manager on a fake backend, with an app named web
// ready to build from appDir.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	st, err := store.Open(defaults.StatePath(root))
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	backend := fake.NewBackend(runway.BackendLocal)
	eng := engine.New(root, st, engine.WithBackend(backend))

	ctx, cancel := context.WithCancel(context.Background())
	mgr := NewManager(ctx, eng, st)
	t.Cleanup(func() {
		cancel()
		mgr.Wait()
	})

	doc := doctor.New(root,
		doctor.WithToolRunner(fake.NewRunner(map[string]string{"python3.11": "/usr/bin/python3.11"})),
		doctor.WithDockerPing(func(context.Context) error { return nil }),
		doctor.WithPortProbe(func(int) (bool, string, error) { return false, "", nil }),
		doctor.WithNTPQuery(func(string) (time.Duration, error) { return 10 * time.Millisecond, nil }),
	)

	srv := NewServer(eng, mgr, st, doc, filepath.Join(root, "runwayd.sock"))

	appDir := t.TempDir()
	writeFile(t, filepath.Join(appDir, manifest.AppManifestName), "name: web\n")
	writeFile(t, filepath.Join(appDir, "requirements.txt"), "flask==2.0.0\nrequests==2.31.0\n")
	writeFile(t, filepath.Join(appDir, "main.py"), "print('hi')\n")

	return &serverFixture{
		router:  srv.Router(),
		backend: backend,
		store:   st,
		mgr:     mgr,
		root:    root,
		appDir:  appDir,
	}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (f *serverFixture) build(t *testing.T) runway.Build {
	t.Helper()
	w := f.request(t, http.MethodPost, "/v1/apps/web/builds", api.BuildRequest{AppRoot: f.appDir})
	if w.Code != http.StatusOK {
		t.Fatalf("POST builds = %d, body %s", w.Code, w.Body)
	}
	var resp api.BuildResponse
	decodeJSON(t, w, &resp)
	return resp.Build
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", w.Code)
	}
}

func TestBuildEndpoint(t *testing.T) {
	f := newServerFixture(t)

	build := f.build(t)
	if build.Phase != runway.BuildSucceeded {
		t.Fatalf("phase = %v, want %v", build.Phase, runway.BuildSucceeded)
	}
	if build.Requirements != 2 {
		t.Fatalf("Requirements = %d, want 2", build.Requirements)
	}
	if build.App != "web" {
		t.Fatalf("App = %q, want web", build.App)
	}

	w := f.request(t, http.MethodGet, "/v1/apps/web/builds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET builds = %d", w.Code)
	}
	var list api.BuildListResponse
	decodeJSON(t, w, &list)
	if len(list.Builds) != 1 || list.Builds[0].ID != build.ID {
		t.Fatalf("builds = %+v, want the one build", list.Builds)
	}

	w = f.request(t, http.MethodGet, "/v1/builds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /v1/builds = %d", w.Code)
	}
	decodeJSON(t, w, &list)
	if len(list.Builds) != 1 {
		t.Fatalf("all builds = %d entries, want 1", len(list.Builds))
	}
}

func TestBuildEndpoint_FailedBuildStillResponds(t *testing.T) {
	f := newServerFixture(t)
	f.backend.InstallErr = errors.New("pip install exited with code 1")

	w := f.request(t, http.MethodPost, "/v1/apps/web/builds", api.BuildRequest{AppRoot: f.appDir})
	if w.Code != http.StatusOK {
		t.Fatalf("POST builds = %d, want 200 with failed record", w.Code)
	}
	var resp api.BuildResponse
	decodeJSON(t, w, &resp)
	if resp.Build.Phase != runway.BuildFailed {
		t.Fatalf("phase = %v, want %v", resp.Build.Phase, runway.BuildFailed)
	}
	if resp.Build.Error == "" {
		t.Fatal("Error is empty, want install failure")
	}
}

func TestBuildEndpoint_NameMismatch(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/v1/apps/other/builds", api.BuildRequest{AppRoot: f.appDir})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST builds = %d, want 400", w.Code)
	}
}

func TestBuildEndpoint_InvalidBody(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/apps/web/builds", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST builds = %d, want 400", w.Code)
	}
}

func TestRunLifecycleOverAPI(t *testing.T) {
	f := newServerFixture(t)
	f.build(t)

	w := f.request(t, http.MethodPost, "/v1/apps/web/runs", api.RunRequest{AppRoot: f.appDir})
	if w.Code != http.StatusOK {
		t.Fatalf("POST runs = %d, body %s", w.Code, w.Body)
	}
	var started api.RunResponse
	decodeJSON(t, w, &started)
	if started.Run.Phase != runway.RunRunning {
		t.Fatalf("phase = %v, want %v", started.Run.Phase, runway.RunRunning)
	}

	// One live run per app.
	w = f.request(t, http.MethodPost, "/v1/apps/web/runs", api.RunRequest{AppRoot: f.appDir})
	if w.Code != http.StatusConflict {
		t.Fatalf("second POST runs = %d, want 409", w.Code)
	}

	// No rebuild under a live run.
	w = f.request(t, http.MethodPost, "/v1/apps/web/builds", api.BuildRequest{AppRoot: f.appDir})
	if w.Code != http.StatusConflict {
		t.Fatalf("POST builds during run = %d, want 409", w.Code)
	}

	// No removal under a live run.
	w = f.request(t, http.MethodDelete, "/v1/apps/web", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("DELETE app during run = %d, want 409", w.Code)
	}

	w = f.request(t, http.MethodPost, "/v1/apps/web/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST stop = %d, body %s", w.Code, w.Body)
	}
	var stopped api.RunResponse
	decodeJSON(t, w, &stopped)
	if stopped.Run.Phase != runway.RunStopped {
		t.Fatalf("stopped phase = %v, want %v", stopped.Run.Phase, runway.RunStopped)
	}
	if stopped.Run.ExitCode != 143 {
		t.Fatalf("stopped ExitCode = %d, want 143", stopped.Run.ExitCode)
	}

	w = f.request(t, http.MethodPost, "/v1/apps/web/stop", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second POST stop = %d, want 404", w.Code)
	}

	w = f.request(t, http.MethodGet, "/v1/apps/web/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET runs = %d", w.Code)
	}
	var list api.RunListResponse
	decodeJSON(t, w, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != started.Run.ID {
		t.Fatalf("runs = %+v, want the one run", list.Runs)
	}
}

func TestRunEndpoint_NotBuilt(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/v1/apps/web/runs", api.RunRequest{AppRoot: f.appDir})
	if w.Code != http.StatusNotFound {
		t.Fatalf("POST runs = %d, want 404", w.Code)
	}
}

func TestRunEndpoint_InvalidRestartPolicy(t *testing.T) {
	f := newServerFixture(t)
	f.build(t)

	w := f.request(t, http.MethodPost, "/v1/apps/web/runs", api.RunRequest{AppRoot: f.appDir, Restart: "sometimes"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST runs = %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	build := f.build(t)

	w := f.request(t, http.MethodPost, "/v1/apps/web/runs", api.RunRequest{AppRoot: f.appDir})
	if w.Code != http.StatusOK {
		t.Fatalf("POST runs = %d", w.Code)
	}

	w = f.request(t, http.MethodGet, "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	var status api.StatusResponse
	decodeJSON(t, w, &status)
	if status.Version == "" {
		t.Fatal("Version is empty")
	}
	if status.DataRoot != f.root {
		t.Fatalf("DataRoot = %q, want %q", status.DataRoot, f.root)
	}
	if len(status.Apps) != 1 {
		t.Fatalf("Apps = %+v, want one entry", status.Apps)
	}
	app := status.Apps[0]
	if app.App != "web" {
		t.Fatalf("App = %q, want web", app.App)
	}
	if app.Build == nil || app.Build.ID != build.ID {
		t.Fatalf("Build = %+v, want build %s", app.Build, build.ID)
	}
	if app.Run == nil || app.Run.Phase != runway.RunRunning {
		t.Fatalf("Run = %+v, want a running run", app.Run)
	}
}

func TestDoctorEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/v1/doctor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET doctor = %d", w.Code)
	}
	var report api.DoctorResponse
	decodeJSON(t, w, &report)
	if !report.Healthy {
		t.Fatalf("Healthy = false, results %+v", report.Results)
	}
	if len(report.Results) != 5 {
		t.Fatalf("Results = %d entries, want 5", len(report.Results))
	}
	for _, r := range report.Results {
		if r.Status != "pass" {
			t.Errorf("%s: status = %s, detail %q", r.Check, r.Status, r.Detail)
		}
	}
}

func TestLogsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	build := f.build(t)

	logPath := filepath.Join(defaults.LogDir(f.root, "web"), "build-"+build.ID+".log")
	writeFile(t, logPath, "collecting flask\ncollecting requests\ninstall ok\n")

	w := f.request(t, http.MethodGet, "/v1/apps/web/logs?kind=build", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET logs = %d, body %s", w.Code, w.Body)
	}
	if got := w.Body.String(); got != "collecting flask\ncollecting requests\ninstall ok\n" {
		t.Fatalf("body = %q, want full log", got)
	}

	w = f.request(t, http.MethodGet, "/v1/apps/web/logs?kind=build&tail=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET logs tail = %d", w.Code)
	}
	if got := w.Body.String(); got != "collecting requests\ninstall ok\n" {
		t.Fatalf("tail body = %q, want last two lines", got)
	}

	w = f.request(t, http.MethodGet, "/v1/apps/web/logs?kind=run", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET run logs = %d, want 404 with no runs", w.Code)
	}

	w = f.request(t, http.MethodGet, "/v1/apps/web/logs?kind=nope", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET logs kind=nope = %d, want 400", w.Code)
	}

	w = f.request(t, http.MethodGet, "/v1/apps/web/logs?kind=build&tail=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("GET logs tail=-1 = %d, want 400", w.Code)
	}
}

func TestDeleteApp(t *testing.T) {
	f := newServerFixture(t)
	f.build(t)

	w := f.request(t, http.MethodDelete, "/v1/apps/web", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("DELETE app = %d, body %s", w.Code, w.Body)
	}
	if _, err := os.Stat(defaults.EnvDir(f.root, "web")); !os.IsNotExist(err) {
		t.Fatalf("environment still present: %v", err)
	}

	w = f.request(t, http.MethodDelete, "/v1/apps/web", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second DELETE app = %d, want 404", w.Code)
	}
}
