package cmdutil

import (
	"context"
	"fmt"
	"time"

	"runway/internal/manifest"
	"runway/sdk"
)

// IsDaemonRunning probes the daemon socket with a short timeout.
func IsDaemonRunning(ctx context.Context, socketPath string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return HealthCheck(probeCtx, socketPath) == nil
}

// HealthCheck asks the daemon for its status over the given socket.
func HealthCheck(ctx context.Context, socketPath string) error {
	client, err := sdk.Dial(ctx, socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer func() { _ = client.Close() }()

	if _, err := client.Status(ctx); err != nil {
		return fmt.Errorf("daemon health check: %w", err)
	}
	return nil
}

// LoadAppArg resolves the optional app-root positional argument shared by
// the app commands. No argument means the current directory.
func LoadAppArg(args []string) (manifest.App, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	app, err := manifest.LoadApp(dir)
	if err != nil {
		return manifest.App{}, err
	}
	return app, nil
}
