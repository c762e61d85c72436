package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"runway"
	"runway/internal/defaults"
)

// AppManifestName is the app manifest filename looked up in the app root.
const AppManifestName = "runway.yaml"

const maxAppNameLen = 63

// App declares how one application is provisioned and launched. Every field
// has a default, so an app root without a runway.yaml is still launchable.
type App struct {
	Name         string               `yaml:"name,omitempty"`
	Python       string               `yaml:"python,omitempty"`
	Entrypoint   string               `yaml:"entrypoint,omitempty"`
	Requirements string               `yaml:"requirements,omitempty"`
	Port         int                  `yaml:"port,omitempty"`
	Backend      runway.BackendKind   `yaml:"backend,omitempty"`
	Restart      runway.RestartPolicy `yaml:"restart,omitempty"`
	Env          map[string]string    `yaml:"env,omitempty"`
	Labels       map[string]string    `yaml:"labels,omitempty"`

	// Root is the directory the manifest was loaded from. It is derived,
	// never read from the file.
	Root string `yaml:"-"`
}

// LoadApp reads the app manifest from dir. A missing runway.yaml is not an
// error: the returned App carries the defaults for dir.
func LoadApp(dir string) (App, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return App{}, fmt.Errorf("resolve app root: %w", err)
	}

	app := App{Root: abs}
	data, err := os.ReadFile(filepath.Join(abs, AppManifestName))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return App{}, fmt.Errorf("read app manifest: %w", err)
	default:
		if err := yaml.Unmarshal(data, &app); err != nil {
			return App{}, fmt.Errorf("parse app manifest: %w", err)
		}
	}

	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return App{}, err
	}
	return app, nil
}

// ApplyDefaults fills unset fields. The name falls back to a normalized
// form of the root directory's base name.
func (a *App) ApplyDefaults() {
	if a.Name == "" {
		a.Name = NormalizeAppName(filepath.Base(a.Root))
	}
	if a.Python == "" {
		a.Python = defaults.Python
	}
	if a.Entrypoint == "" {
		a.Entrypoint = defaults.Entrypoint
	}
	if a.Requirements == "" {
		a.Requirements = RequirementsName
	}
	if a.Port == 0 {
		a.Port = defaults.Port
	}
	if a.Backend == "" {
		a.Backend = runway.BackendLocal
	}
	if a.Restart == "" {
		a.Restart = runway.RestartNever
	}
}

// Validate rejects manifests that could not produce a launchable app.
func (a App) Validate() error {
	if err := ValidateAppName(a.Name); err != nil {
		return err
	}
	if !validPythonVersion(a.Python) {
		return fmt.Errorf("app %q: invalid python version %q", a.Name, a.Python)
	}
	if !filepath.IsLocal(a.Entrypoint) {
		return fmt.Errorf("app %q: entrypoint %q escapes the app root", a.Name, a.Entrypoint)
	}
	if !filepath.IsLocal(a.Requirements) {
		return fmt.Errorf("app %q: requirements %q escapes the app root", a.Name, a.Requirements)
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("app %q: port %d out of range", a.Name, a.Port)
	}
	if !a.Backend.IsValid() {
		return fmt.Errorf("app %q: unknown backend %q", a.Name, a.Backend)
	}
	if !a.Restart.IsValid() {
		return fmt.Errorf("app %q: unknown restart policy %q", a.Name, a.Restart)
	}
	return nil
}

// EntrypointPath returns the absolute path of the entry-point script.
func (a App) EntrypointPath() string {
	return filepath.Join(a.Root, a.Entrypoint)
}

// RequirementsPath returns the absolute path of the dependency manifest.
func (a App) RequirementsPath() string {
	return filepath.Join(a.Root, a.Requirements)
}

// Save writes the manifest to the app root as runway.yaml.
func (a App) Save() error {
	data, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal app manifest: %w", err)
	}
	path := filepath.Join(a.Root, AppManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write app manifest: %w", err)
	}
	return nil
}

// ValidateAppName enforces DNS-label-shaped names. App names end up in
// socket paths, image tags, and container names, so the rules are the
// strictest of those.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("app name is empty")
	}
	if len(name) > maxAppNameLen {
		return fmt.Errorf("app name %q exceeds %d characters", name, maxAppNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' && i > 0 && i < len(name)-1:
		default:
			return fmt.Errorf("app name %q: must match [a-z0-9]([a-z0-9-]*[a-z0-9])?", name)
		}
	}
	return nil
}

// NormalizeAppName coerces an arbitrary string into a valid app name.
// Uppercase is folded, invalid runs collapse to a single dash, and the
// result is trimmed to the max length. An unusable input yields "app".
func NormalizeAppName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	dash := false
	for _, r := range strings.ToLower(raw) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !valid {
			dash = b.Len() > 0
			continue
		}
		if dash {
			b.WriteByte('-')
			dash = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if len(name) > maxAppNameLen {
		name = strings.TrimRight(name[:maxAppNameLen], "-")
	}
	if name == "" {
		return "app"
	}
	return name
}

func validPythonVersion(v string) bool {
	if v == "" {
		return false
	}
	for _, part := range strings.Split(v, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return false
			}
		}
	}
	return true
}
