// Package docker provisions app images and runs entry points as container
// foreground processes through the Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"runway"
	"runway/internal/defaults"
	"runway/internal/dockerfile"
	"runway/internal/runtime"
)

// Image and container labels applied to everything the backend creates.
const (
	LabelApp   = "runway.app"
	LabelBuild = "runway.build"
	LabelRun   = "runway.run"
)

// stagedDockerfile is the Dockerfile name inside the staging directory and
// the build context. The name stays out of the way of any Dockerfile the
// app itself carries.
const stagedDockerfile = ".runway.dockerfile"

// API is the slice of the Docker Engine API the backend uses.
// Production: *client.Client
// Testing: in-package fake
type API interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ runtime.Backend = (*Backend)(nil)

// Backend implements runtime.Backend on the Docker Engine API.
type Backend struct {
	cli API
}

// New creates a Backend with a Docker client from the environment.
func New() (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Backend{cli: cli}, nil
}

// NewFromAPI wraps an existing client.
func NewFromAPI(cli API) *Backend {
	return &Backend{cli: cli}
}

func (b *Backend) Kind() runway.BackendKind { return runway.BackendDocker }

// Ping verifies the Docker daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	if b.cli == nil {
		return nil
	}
	return b.cli.Close()
}

// Provision renders the Dockerfile into the staging directory. The file is
// promoted together with the receipt, so a built environment records the
// exact image recipe it came from.
func (b *Backend) Provision(ctx context.Context, bc runtime.BuildContext) error {
	if err := os.MkdirAll(bc.StageDir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	rendered, err := dockerfile.Render(dockerfile.FromApp(bc.App))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(bc.StageDir, "Dockerfile"), rendered, 0o644); err != nil {
		return fmt.Errorf("write dockerfile: %w", err)
	}
	return nil
}

// Install builds the app image. Dependency installation happens inside the
// image build, so a pip failure fails the build and leaves no tagged image
// behind.
func (b *Backend) Install(ctx context.Context, bc runtime.BuildContext) error {
	rendered, err := os.ReadFile(filepath.Join(bc.StageDir, "Dockerfile"))
	if err != nil {
		return fmt.Errorf("read staged dockerfile: %w", err)
	}
	buildCtx, err := buildContext(bc.App.Root, rendered)
	if err != nil {
		return err
	}
	defer buildCtx.Close()

	slog.Info("Building image.", "image", bc.Build.ImageRef, "app", bc.App.Name)
	resp, err := b.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{bc.Build.ImageRef},
		Dockerfile:  stagedDockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			LabelApp:   bc.App.Name,
			LabelBuild: bc.Build.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", bc.Build.ImageRef, err)
	}
	defer resp.Body.Close()

	if err := drainBuildOutput(resp.Body, bc.Output); err != nil {
		return fmt.Errorf("build image %s: %w", bc.Build.ImageRef, err)
	}
	return nil
}

// Launch creates and starts the app container. The container's foreground
// process is the image CMD, which is the entry point under the image's
// virtualenv. The declared port is baked into the image as EXPOSE and is
// never published.
func (b *Backend) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Process, error) {
	name := defaults.ContainerName(spec.App)
	cfg := &container.Config{
		Image: spec.Receipt.ImageRef,
		Env:   envSlice(spec.Env),
		Labels: map[string]string{
			LabelApp:   spec.App,
			LabelBuild: spec.Receipt.BuildID,
			LabelRun:   spec.RunID,
		},
	}
	if spec.Receipt.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Receipt.Port))
		if err != nil {
			return nil, fmt.Errorf("declare port %d: %w", spec.Receipt.Port, err)
		}
		// Declared only. Publishing would need host bindings, which the
		// HostConfig deliberately leaves empty.
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	created, err := b.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		if !errdefs.IsConflict(err) {
			return nil, fmt.Errorf("create container: %w", err)
		}
		// A previous run of this app left its container behind.
		if err := b.stopAndRemove(ctx, name); err != nil {
			return nil, err
		}
		if created, err = b.cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, name); err != nil {
			return nil, fmt.Errorf("create container after remove: %w", err)
		}
	}

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	slog.Info("Container started.", "run", spec.RunID, "container", created.ID[:min(12, len(created.ID))])

	proc := &containerProcess{cli: b.cli, id: created.ID}
	if spec.Output != nil {
		logs, err := b.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			slog.Warn("Container log stream unavailable.", "run", spec.RunID, "err", err)
		} else {
			proc.logs = logs
			go deframeCopy(spec.Output, logs)
		}
	}
	return proc, nil
}

// Discard removes the build's image and any leftover app container. Both
// removals are idempotent.
func (b *Backend) Discard(ctx context.Context, bc runtime.BuildContext) error {
	if err := b.stopAndRemove(ctx, defaults.ContainerName(bc.App.Name)); err != nil {
		return err
	}
	if bc.Build.ImageRef == "" {
		return nil
	}
	_, err := b.cli.ImageRemove(ctx, bc.Build.ImageRef, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %s: %w", bc.Build.ImageRef, err)
	}
	return nil
}

// stopAndRemove stops and removes a container, ignoring NotFound on both
// operations.
func (b *Backend) stopAndRemove(ctx context.Context, name string) error {
	if err := b.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("stop container %s: %w", name, err)
		}
	}
	if err := b.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("remove container %s: %w", name, err)
		}
	}
	return nil
}

var _ runtime.Process = (*containerProcess)(nil)

// containerProcess wraps one running app container.
type containerProcess struct {
	cli  API
	id   string
	logs io.Closer
}

func (p *containerProcess) PID() int { return 0 }

func (p *containerProcess) ContainerID() string { return p.id }

func (p *containerProcess) Wait(ctx context.Context) (int, error) {
	if p.logs != nil {
		defer p.logs.Close()
	}
	waitc, errc := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-errc:
		return 0, fmt.Errorf("wait for container: %w", err)
	case resp := <-waitc:
		if resp.Error != nil {
			return int(resp.StatusCode), fmt.Errorf("wait for container: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	}
}

// Signal stops the container gracefully: SIGTERM, then SIGKILL after the
// engine's grace period.
func (p *containerProcess) Signal(ctx context.Context) error {
	if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (p *containerProcess) Kill(ctx context.Context) error {
	err := p.cli.ContainerKill(ctx, p.id, "KILL")
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}
