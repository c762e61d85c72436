package manifest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"

	"runway"
)

const composeFilename = "compose.yaml"

// LoadCompose parses Docker Compose YAML into a compose Project.
func LoadCompose(ctx context.Context, data []byte, name string) (*compose.Project, error) {
	configDetails := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: composeFilename, Content: data},
		},
	}

	project, err := loader.LoadWithContext(ctx, configDetails)
	if err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, fmt.Errorf("compose file has no services")
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		project.Name = trimmed
	}

	return project, nil
}

// FromCompose converts every service of a compose project into an App.
// Compose services run in containers, so the imported apps default to the
// docker backend.
func FromCompose(project *compose.Project) ([]App, error) {
	apps := make([]App, 0, len(project.Services))
	for _, svc := range project.Services {
		app, err := AppFromService(svc)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// AppFromService maps one compose service onto an App manifest. Only the
// fields runway understands survive the import; mounts, healthchecks, and
// resource limits are dropped.
func AppFromService(svc compose.ServiceConfig) (App, error) {
	app := App{
		Name:       NormalizeAppName(svc.Name),
		Python:     pythonVersionFromImage(svc.Image),
		Entrypoint: entrypointFromCommand(svc.Command),
		Backend:    runway.BackendDocker,
		Restart:    restartFromCompose(svc),
		Env:        environmentMap(svc.Environment),
		Labels:     labelMap(svc.Labels),
	}
	for _, p := range svc.Ports {
		if p.Target > 0 && p.Target <= 65535 {
			app.Port = int(p.Target)
			break
		}
	}

	app.ApplyDefaults()
	if err := app.Validate(); err != nil {
		return App{}, fmt.Errorf("import service %q: %w", svc.Name, err)
	}
	return app, nil
}

// entrypointFromCommand picks the first .py element of the service command.
func entrypointFromCommand(command compose.ShellCommand) string {
	for _, arg := range command {
		if strings.HasSuffix(arg, ".py") {
			return arg
		}
	}
	return ""
}

// pythonVersionFromImage extracts the interpreter version from images such
// as python:3.11-slim. Non-python images yield the default version.
func pythonVersionFromImage(image string) string {
	name, tag, ok := strings.Cut(image, ":")
	if !ok {
		return ""
	}
	if name != "python" && !strings.HasSuffix(name, "/python") {
		return ""
	}
	version, _, _ := strings.Cut(tag, "-")
	if !validPythonVersion(version) {
		return ""
	}
	return version
}

func restartFromCompose(svc compose.ServiceConfig) runway.RestartPolicy {
	restart := strings.TrimSpace(svc.Restart)
	if restart == "" && svc.Deploy != nil && svc.Deploy.RestartPolicy != nil {
		restart = strings.TrimSpace(svc.Deploy.RestartPolicy.Condition)
	}
	switch restart {
	case "always", "unless-stopped", "any":
		return runway.RestartAlways
	case "on-failure", "on_failure":
		return runway.RestartOnFailure
	default:
		return runway.RestartNever
	}
}

func environmentMap(env compose.MappingWithEquals) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		if value == nil {
			out[key] = ""
			continue
		}
		out[key] = *value
	}
	return out
}

func labelMap(labels compose.Labels) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for key, value := range labels {
		out[key] = value
	}
	return out
}
