package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"runway/cmd/runway/ui"
	"runway/internal/manifest"

	"github.com/spf13/cobra"
)

const starterRequirements = `# One dependency per line, e.g.
# flask==2.0.0
`

func initCmd() *cobra.Command {
	var (
		name        string
		python      string
		port        int
		entrypoint  string
		composePath string
		service     string
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Scaffold an app manifest",
		Long: "Writes runway.yaml (plus starter requirements.txt and main.py when missing)\n" +
			"into the app root. With --from-compose, imports a service from an existing\n" +
			"Docker Compose file instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolve app root: %w", err)
			}
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("create app root: %w", err)
			}

			manifestPath := filepath.Join(abs, manifest.AppManifestName)
			if _, err := os.Stat(manifestPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", manifest.AppManifestName)
			}

			if composePath != "" {
				return initFromCompose(cmd.Context(), abs, composePath, service)
			}

			if name == "" {
				fallback := manifest.NormalizeAppName(filepath.Base(abs))
				if ui.IsInteractive() {
					entered, err := ui.Prompt("App name", fallback, "use --name <value>")
					if err != nil {
						return err
					}
					name = strings.TrimSpace(entered)
				}
				if name == "" {
					name = fallback
				}
			}

			app := manifest.App{
				Name:       name,
				Python:     python,
				Entrypoint: entrypoint,
				Port:       port,
				Root:       abs,
			}
			app.ApplyDefaults()
			if err := app.Validate(); err != nil {
				return err
			}
			if err := app.Save(); err != nil {
				return err
			}

			created := []string{manifest.AppManifestName}
			reqPath := app.RequirementsPath()
			if _, err := os.Stat(reqPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(reqPath, []byte(starterRequirements), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", app.Requirements, err)
				}
				created = append(created, app.Requirements)
			}
			entryPath := app.EntrypointPath()
			if _, err := os.Stat(entryPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(entryPath, []byte(starterEntrypoint(app.Port)), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", app.Entrypoint, err)
				}
				created = append(created, app.Entrypoint)
			}

			fmt.Println(ui.SuccessMsg("App %s initialized.", ui.Bold(app.Name)))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("root", abs),
				ui.KV("python", app.Python),
				ui.KV("entrypoint", app.Entrypoint),
				ui.KV("port", strconv.Itoa(app.Port)),
				ui.KV("created", strings.Join(created, ", ")),
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "App name (defaults to the directory name)")
	cmd.Flags().StringVar(&python, "python", "", "Python version (e.g. 3.11)")
	cmd.Flags().IntVar(&port, "port", 0, "Port the app declares")
	cmd.Flags().StringVar(&entrypoint, "entrypoint", "", "Entry-point script")
	cmd.Flags().StringVar(&composePath, "from-compose", "", "Import an app from a Docker Compose file")
	cmd.Flags().StringVar(&service, "service", "", "Compose service to import (required with several services)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing runway.yaml")
	return cmd
}

func initFromCompose(ctx context.Context, dir, composePath, service string) error {
	data, err := os.ReadFile(composePath)
	if err != nil {
		return fmt.Errorf("read compose file: %w", err)
	}

	project, err := manifest.LoadCompose(ctx, data, "")
	if err != nil {
		return err
	}
	apps, err := manifest.FromCompose(project)
	if err != nil {
		return err
	}

	app, err := pickService(apps, service)
	if err != nil {
		return err
	}
	app.Root = dir
	if err := app.Save(); err != nil {
		return err
	}

	fmt.Println(ui.SuccessMsg("Imported service %s from %s.", ui.Bold(app.Name), composePath))
	fmt.Print(ui.KeyValues("  ",
		ui.KV("backend", string(app.Backend)),
		ui.KV("python", app.Python),
		ui.KV("entrypoint", app.Entrypoint),
		ui.KV("port", strconv.Itoa(app.Port)),
		ui.KV("restart", string(app.Restart)),
	))
	return nil
}

func pickService(apps []manifest.App, service string) (manifest.App, error) {
	if service == "" {
		if len(apps) == 1 {
			return apps[0], nil
		}
		names := make([]string, len(apps))
		for i, a := range apps {
			names[i] = a.Name
		}
		return manifest.App{}, fmt.Errorf("compose file has %d services (%s), pick one with --service",
			len(apps), strings.Join(names, ", "))
	}

	want := manifest.NormalizeAppName(service)
	for _, a := range apps {
		if a.Name == want {
			return a, nil
		}
	}
	return manifest.App{}, fmt.Errorf("service %q not found in compose file", service)
}

// starterEntrypoint is a minimal app that listens on the declared port.
func starterEntrypoint(port int) string {
	return fmt.Sprintf(`from http.server import BaseHTTPRequestHandler, HTTPServer


class Handler(BaseHTTPRequestHandler):
    def do_GET(self):
        self.send_response(200)
        self.end_headers()
        self.wfile.write(b"hello from runway\n")


if __name__ == "__main__":
    HTTPServer(("", %d), Handler).serve_forever()
`, port)
}
