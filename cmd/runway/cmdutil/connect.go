// Package cmdutil holds helpers shared by the runway subcommands:
// daemon connection resolution and app-root handling.
package cmdutil

import (
	"context"
	"fmt"
	"os"

	"runway/config"
	"runway/internal/defaults"
	"runway/sdk"
)

const (
	// EnvHost overrides the daemon target like --host does.
	EnvHost = "RUNWAY_HOST"
	// EnvContext selects a named context like --context does.
	EnvContext = "RUNWAY_CONTEXT"
)

// Connect returns an SDK client by resolving the target from flags, env
// vars, auto-discovery, or the config file's current-context. Resolution
// order:
//
//  1. hostFlag / RUNWAY_HOST
//  2. contextFlag / RUNWAY_CONTEXT
//  3. Running local daemon at the default socket
//  4. current-context from the config file
func Connect(ctx context.Context, hostFlag, contextFlag string) (*sdk.Client, error) {
	// 1. Direct host (flag > env).
	host := firstNonEmpty(hostFlag, os.Getenv(EnvHost))
	if host != "" {
		return sdk.Dial(ctx, host)
	}

	// 2. Named context (flag > env).
	ctxName := firstNonEmpty(contextFlag, os.Getenv(EnvContext))
	if ctxName != "" {
		return dialNamed(ctx, ctxName)
	}

	// 3. Auto-discover local daemon.
	if IsDaemonRunning(ctx, defaults.SocketPath()) {
		return sdk.Dial(ctx, defaults.SocketPath())
	}

	// 4. Fall back to config's current-context.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	name, c, ok := cfg.Current()
	if !ok {
		return nil, fmt.Errorf("no context configured: start runwayd or add a context")
	}
	return dialContext(ctx, name, c)
}

// Discover checks whether the local daemon is alive and, if so, upserts
// the "local" context in config. It does not change current-context if
// one is already set.
func Discover(ctx context.Context) error {
	if !IsDaemonRunning(ctx, defaults.SocketPath()) {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cfg.Set("local", config.Context{Socket: defaults.SocketPath()})

	if cfg.CurrentContext == "" {
		cfg.CurrentContext = "local"
	}

	return cfg.Save()
}

func dialNamed(ctx context.Context, name string) (*sdk.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	c, ok := cfg.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return dialContext(ctx, name, c)
}

func dialContext(ctx context.Context, name string, c config.Context) (*sdk.Client, error) {
	target := c.Target()
	if target == "" {
		return nil, fmt.Errorf("context %q has no target", name)
	}

	var opts []sdk.DialOption
	if c.SSHPort != 0 {
		opts = append(opts, sdk.WithSSHPort(c.SSHPort))
	}
	if c.RemoteSocket != "" {
		opts = append(opts, sdk.WithRemoteSocketPath(c.RemoteSocket))
	}
	return sdk.Dial(ctx, target, opts...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
