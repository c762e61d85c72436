package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"runway"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	build := runway.Build{
		ID:           "b-1234",
		App:          "web",
		Backend:      runway.BackendLocal,
		Python:       "3.11",
		Entrypoint:   "main.py",
		Port:         8080,
		Requirements: 3,
		ManifestHash: "abc123",
		Phase:        runway.BuildSucceeded,
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt:   time.Date(2025, 6, 1, 12, 1, 30, 0, time.UTC),
	}
	if err := s.SaveBuild(ctx, build); err != nil {
		t.Fatalf("SaveBuild: %v", err)
	}

	got, found, err := s.GetBuild(ctx, "b-1234")
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if !found {
		t.Fatal("GetBuild returned found=false for saved build")
	}
	if got.App != build.App {
		t.Errorf("App: got %q, want %q", got.App, build.App)
	}
	if got.Backend != build.Backend {
		t.Errorf("Backend: got %q, want %q", got.Backend, build.Backend)
	}
	if got.Python != build.Python {
		t.Errorf("Python: got %q, want %q", got.Python, build.Python)
	}
	if got.Entrypoint != build.Entrypoint {
		t.Errorf("Entrypoint: got %q, want %q", got.Entrypoint, build.Entrypoint)
	}
	if got.Port != build.Port {
		t.Errorf("Port: got %d, want %d", got.Port, build.Port)
	}
	if got.Requirements != build.Requirements {
		t.Errorf("Requirements: got %d, want %d", got.Requirements, build.Requirements)
	}
	if got.ManifestHash != build.ManifestHash {
		t.Errorf("ManifestHash: got %q, want %q", got.ManifestHash, build.ManifestHash)
	}
	if got.Phase != runway.BuildSucceeded {
		t.Errorf("Phase: got %v, want %v", got.Phase, runway.BuildSucceeded)
	}
	if !got.CreatedAt.Equal(build.CreatedAt) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, build.CreatedAt)
	}
}

func TestBuildStore_Upsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	build := runway.Build{
		ID:        "b-1",
		App:       "web",
		Phase:     runway.BuildPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveBuild(ctx, build); err != nil {
		t.Fatalf("SaveBuild (pending): %v", err)
	}

	build.Phase = runway.BuildFailed
	build.Error = "pip install exited with code 1"
	if err := s.SaveBuild(ctx, build); err != nil {
		t.Fatalf("SaveBuild (failed): %v", err)
	}

	got, found, err := s.GetBuild(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if !found {
		t.Fatal("build should exist after update")
	}
	if got.Phase != runway.BuildFailed {
		t.Errorf("Phase: got %v, want %v", got.Phase, runway.BuildFailed)
	}
	if got.Error != build.Error {
		t.Errorf("Error: got %q, want %q", got.Error, build.Error)
	}

	all, err := s.ListBuilds(ctx, "web", 0)
	if err != nil {
		t.Fatalf("ListBuilds: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 build after update, got %d", len(all))
	}
}

func TestBuildStore_Latest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	builds := []runway.Build{
		{ID: "b-1", App: "web", Phase: runway.BuildSucceeded, CreatedAt: base},
		{ID: "b-2", App: "web", Phase: runway.BuildFailed, CreatedAt: base.Add(time.Hour)},
		{ID: "b-3", App: "api", Phase: runway.BuildSucceeded, CreatedAt: base.Add(2 * time.Hour)},
	}
	for _, b := range builds {
		if err := s.SaveBuild(ctx, b); err != nil {
			t.Fatalf("SaveBuild(%q): %v", b.ID, err)
		}
	}

	latest, found, err := s.LatestBuild(ctx, "web")
	if err != nil {
		t.Fatalf("LatestBuild: %v", err)
	}
	if !found {
		t.Fatal("LatestBuild returned found=false")
	}
	if latest.ID != "b-2" {
		t.Errorf("LatestBuild ID = %q, want %q", latest.ID, "b-2")
	}

	// The failed b-2 is newer, but only promoted environments count.
	succeeded, found, err := s.LatestSucceededBuild(ctx, "web")
	if err != nil {
		t.Fatalf("LatestSucceededBuild: %v", err)
	}
	if !found {
		t.Fatal("LatestSucceededBuild returned found=false")
	}
	if succeeded.ID != "b-1" {
		t.Errorf("LatestSucceededBuild ID = %q, want %q", succeeded.ID, "b-1")
	}

	_, found, err = s.LatestSucceededBuild(ctx, "worker")
	if err != nil {
		t.Fatalf("LatestSucceededBuild (missing app): %v", err)
	}
	if found {
		t.Error("expected found=false for app with no builds")
	}
}

func TestBuildStore_ListOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"b-old", "b-mid", "b-new"} {
		b := runway.Build{ID: id, App: "web", Phase: runway.BuildSucceeded, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveBuild(ctx, b); err != nil {
			t.Fatalf("SaveBuild(%q): %v", id, err)
		}
	}

	got, err := s.ListBuilds(ctx, "web", 0)
	if err != nil {
		t.Fatalf("ListBuilds: %v", err)
	}
	wantOrder := []string{"b-new", "b-mid", "b-old"}
	if len(got) != len(wantOrder) {
		t.Fatalf("ListBuilds returned %d builds, want %d", len(got), len(wantOrder))
	}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("ListBuilds[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}

	limited, err := s.ListBuilds(ctx, "web", 2)
	if err != nil {
		t.Fatalf("ListBuilds (limit): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListBuilds(limit=2) returned %d builds, want 2", len(limited))
	}
	if limited[0].ID != "b-new" {
		t.Errorf("ListBuilds(limit=2)[0].ID = %q, want %q", limited[0].ID, "b-new")
	}
}

func TestBuildStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.GetBuild(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if found {
		t.Error("expected found=false for non-existent build")
	}
}

func TestRunStore_SaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := runway.Run{
		ID:        "r-1",
		App:       "web",
		BuildID:   "b-1",
		Backend:   runway.BackendDocker,
		Port:      8080,
		Restart:   runway.RestartOnFailure,
		Phase:     runway.RunStopped,
		ExitCode:  0,
		Restarts:  2,
		StartedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, found, err := s.GetRun(ctx, "r-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !found {
		t.Fatal("GetRun returned found=false for saved run")
	}
	if got.BuildID != run.BuildID {
		t.Errorf("BuildID: got %q, want %q", got.BuildID, run.BuildID)
	}
	if got.Backend != run.Backend {
		t.Errorf("Backend: got %q, want %q", got.Backend, run.Backend)
	}
	if got.Restart != run.Restart {
		t.Errorf("Restart: got %q, want %q", got.Restart, run.Restart)
	}
	if got.Phase != runway.RunStopped {
		t.Errorf("Phase: got %v, want %v", got.Phase, runway.RunStopped)
	}
	if got.Restarts != run.Restarts {
		t.Errorf("Restarts: got %d, want %d", got.Restarts, run.Restarts)
	}
}

func TestRunStore_LatestAndActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	runs := []runway.Run{
		{ID: "r-1", App: "web", Phase: runway.RunStopped, StartedAt: base},
		{ID: "r-2", App: "web", Phase: runway.RunRunning, StartedAt: base.Add(time.Hour)},
		{ID: "r-3", App: "api", Phase: runway.RunFailed, StartedAt: base.Add(2 * time.Hour)},
	}
	for _, r := range runs {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun(%q): %v", r.ID, err)
		}
	}

	latest, found, err := s.LatestRun(ctx, "web")
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if !found {
		t.Fatal("LatestRun returned found=false")
	}
	if latest.ID != "r-2" {
		t.Errorf("LatestRun ID = %q, want %q", latest.ID, "r-2")
	}

	active, err := s.ActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("ActiveRuns returned %d runs, want 1", len(active))
	}
	if active[0].ID != "r-2" {
		t.Errorf("ActiveRuns[0].ID = %q, want %q", active[0].ID, "r-2")
	}
}

func TestRunStore_ListByApp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, app := range []string{"web", "api", "web"} {
		r := runway.Run{
			ID:        []string{"r-1", "r-2", "r-3"}[i],
			App:       app,
			Phase:     runway.RunStopped,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	web, err := s.ListRuns(ctx, "web", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(web) != 2 {
		t.Fatalf("ListRuns(web) returned %d runs, want 2", len(web))
	}
	if web[0].ID != "r-3" || web[1].ID != "r-1" {
		t.Errorf("ListRuns(web) order = [%s %s], want [r-3 r-1]", web[0].ID, web[1].ID)
	}

	all, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns (all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListRuns(all) returned %d runs, want 3", len(all))
	}
}
