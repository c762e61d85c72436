// Package daemon wires the bootstrap engine, the run manager, and the
// control API into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"runway/internal/defaults"
	"runway/internal/doctor"
	"runway/internal/engine"
	"runway/internal/logging"
	"runway/internal/runtime/docker"
	"runway/internal/runtime/local"
	"runway/internal/store"
	"runway/internal/telemetry"
)

// Run starts the daemon with cfg and blocks until ctx is cancelled. Live
// runs are stopped gracefully on the way out.
func Run(ctx context.Context, cfg Config) error {
	if err := logging.Configure(cfg.LogLevel); err != nil {
		return err
	}
	if err := defaults.EnsureDataRoot(cfg.DataRoot); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTLPEndpoint, "runwayd")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := provider.Shutdown(flushCtx); err != nil {
			slog.Warn("Flushing telemetry failed.", "err", err)
		}
	}()

	st, err := store.Open(defaults.StatePath(cfg.DataRoot))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	opts := []engine.Option{
		engine.WithBackend(local.New()),
		engine.WithTracer(provider.Tracer("runway/engine")),
	}
	// The docker backend is optional: without a reachable docker daemon the
	// local backend still serves.
	if dockerBackend, derr := docker.New(); derr != nil {
		slog.Warn("Docker backend unavailable.", "err", derr)
	} else if perr := dockerBackend.Ping(ctx); perr != nil {
		slog.Warn("Docker backend unavailable.", "err", perr)
		_ = dockerBackend.Close()
	} else {
		defer func() { _ = dockerBackend.Close() }()
		opts = append(opts, engine.WithBackend(dockerBackend))
	}

	eng := engine.New(cfg.DataRoot, st, opts...)

	gin.SetMode(gin.ReleaseMode)
	g, ctx := errgroup.WithContext(ctx)

	mgr := NewManager(ctx, eng, st)
	if err := mgr.ReconcileStale(ctx); err != nil {
		return err
	}

	srv := NewServer(eng, mgr, st, doctor.New(cfg.DataRoot), cfg.Socket)

	g.Go(func() error {
		// Notify systemd that the daemon is ready once the API is up.
		go func() {
			select {
			case <-srv.Ready():
				if _, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
					slog.Error("Failed to notify systemd that the daemon is ready.", "err", err)
				}
			case <-ctx.Done():
			}
		}()
		return srv.ListenAndServe(ctx)
	})

	slog.Info("Daemon started.", "data_root", cfg.DataRoot, "socket", cfg.Socket)
	err = g.Wait()

	// The group context is cancelled by now, so every supervisor is
	// stopping. Wait for their terminal records before closing the store.
	mgr.Wait()
	return err
}
