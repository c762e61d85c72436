package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"runway"
	"runway/internal/defaults"
)

func TestLoadApp_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Demo_App")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	app, err := LoadApp(dir)
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	if app.Name != "demo-app" {
		t.Fatalf("Name = %q, want %q", app.Name, "demo-app")
	}
	if app.Python != defaults.Python {
		t.Fatalf("Python = %q, want %q", app.Python, defaults.Python)
	}
	if app.Entrypoint != defaults.Entrypoint {
		t.Fatalf("Entrypoint = %q, want %q", app.Entrypoint, defaults.Entrypoint)
	}
	if app.Requirements != RequirementsName {
		t.Fatalf("Requirements = %q, want %q", app.Requirements, RequirementsName)
	}
	if app.Port != defaults.Port {
		t.Fatalf("Port = %d, want %d", app.Port, defaults.Port)
	}
	if app.Backend != runway.BackendLocal {
		t.Fatalf("Backend = %q, want %q", app.Backend, runway.BackendLocal)
	}
	if app.Restart != runway.RestartNever {
		t.Fatalf("Restart = %q, want %q", app.Restart, runway.RestartNever)
	}
	if app.Root != dir {
		t.Fatalf("Root = %q, want %q", app.Root, dir)
	}
}

func TestLoadApp_Manifest(t *testing.T) {
	dir := t.TempDir()
	manifest := []byte(`
name: billing
python: "3.12"
entrypoint: app/serve.py
port: 9000
backend: docker
restart: on-failure
env:
  FLASK_ENV: production
labels:
  team: payments
`)
	if err := os.WriteFile(filepath.Join(dir, AppManifestName), manifest, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	app, err := LoadApp(dir)
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	if app.Name != "billing" {
		t.Fatalf("Name = %q, want %q", app.Name, "billing")
	}
	if app.Python != "3.12" {
		t.Fatalf("Python = %q, want %q", app.Python, "3.12")
	}
	if app.Entrypoint != "app/serve.py" {
		t.Fatalf("Entrypoint = %q, want %q", app.Entrypoint, "app/serve.py")
	}
	if app.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", app.Port)
	}
	if app.Backend != runway.BackendDocker {
		t.Fatalf("Backend = %q, want %q", app.Backend, runway.BackendDocker)
	}
	if app.Restart != runway.RestartOnFailure {
		t.Fatalf("Restart = %q, want %q", app.Restart, runway.RestartOnFailure)
	}
	if app.Env["FLASK_ENV"] != "production" {
		t.Fatalf("Env = %v, want FLASK_ENV=production", app.Env)
	}
	if app.Labels["team"] != "payments" {
		t.Fatalf("Labels = %v, want team=payments", app.Labels)
	}
	if got := app.EntrypointPath(); got != filepath.Join(dir, "app", "serve.py") {
		t.Fatalf("EntrypointPath() = %q", got)
	}
	if got := app.RequirementsPath(); got != filepath.Join(dir, RequirementsName) {
		t.Fatalf("RequirementsPath() = %q", got)
	}
}

func TestLoadApp_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name:     "malformed yaml",
			manifest: "name: [broken\n",
			wantErr:  "parse app manifest",
		},
		{
			name:     "bad name",
			manifest: "name: Billing_Service\n",
			wantErr:  "app name",
		},
		{
			name:     "escaping entrypoint",
			manifest: "entrypoint: ../../etc/passwd\n",
			wantErr:  "escapes the app root",
		},
		{
			name:     "absolute requirements",
			manifest: "requirements: /etc/requirements.txt\n",
			wantErr:  "escapes the app root",
		},
		{
			name:     "port out of range",
			manifest: "port: 70000\n",
			wantErr:  "out of range",
		},
		{
			name:     "unknown backend",
			manifest: "backend: vm\n",
			wantErr:  "unknown backend",
		},
		{
			name:     "unknown restart policy",
			manifest: "restart: sometimes\n",
			wantErr:  "unknown restart policy",
		},
		{
			name:     "bad python version",
			manifest: "python: latest\n",
			wantErr:  "invalid python version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, AppManifestName), []byte(tt.manifest), 0o644); err != nil {
				t.Fatalf("write manifest: %v", err)
			}
			_, err := LoadApp(dir)
			if err == nil {
				t.Fatal("LoadApp() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAppSave(t *testing.T) {
	dir := t.TempDir()
	app := App{
		Name:       "web",
		Python:     "3.11",
		Entrypoint: "main.py",
		Port:       8080,
		Root:       dir,
	}
	if err := app.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadApp(dir)
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	if loaded.Name != "web" || loaded.Python != "3.11" || loaded.Port != 8080 {
		t.Fatalf("loaded = %+v, want saved values back", loaded)
	}
}

func TestValidateAppName(t *testing.T) {
	valid := []string{"web", "billing-v2", "a", "app123", strings.Repeat("a", 63)}
	for _, name := range valid {
		if err := ValidateAppName(name); err != nil {
			t.Fatalf("ValidateAppName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Web", "my_app", "-web", "web-", "a.b", strings.Repeat("a", 64)}
	for _, name := range invalid {
		if err := ValidateAppName(name); err == nil {
			t.Fatalf("ValidateAppName(%q) = nil, want error", name)
		}
	}
}

func TestNormalizeAppName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Demo_App", "demo-app"},
		{"My Service!", "my-service"},
		{"--weird--", "weird"},
		{"...", "app"},
		{"", "app"},
		{strings.Repeat("a", 80), strings.Repeat("a", 63)},
	}
	for _, tt := range tests {
		if got := NormalizeAppName(tt.in); got != tt.want {
			t.Fatalf("NormalizeAppName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
