// Package container is the Container Runner (spec.md §4.2): it launches a
// detached container with an optional accelerator fallback, exposes its log
// stream, blocks for exit, and supports stop/remove.
//
// Grounded on the Docker Engine API client (github.com/docker/docker/client)
// — a dependency the retrieval pack's GoogleContainerTools-skaffold repo
// also carries — and on buildkite-agent's roko-based retry idiom
// (agent_worker.go's Heartbeat/AcceptAndRunJob) for the accelerator-fallback
// retry.
package container

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/buildkite/roko"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/opeva/job-worker-agent/logger"
)

// LaunchSpec describes one container launch (spec.md §4.2 "Launch contract").
type LaunchSpec struct {
	Image       string
	Command     []string
	Name        string
	SharedDir   string // mounted read-write at /data inside the container
	Labels      map[string]string
	Accelerator bool // request a GPU device; falls back on failure
}

// Handle is the Container Handle entity (spec.md §3): an opaque id and
// name, owned by the Job Runner until cleanup. Declared as an interface so
// the Job Runner can be exercised against a fake in tests (spec.md §9
// "session-injection for testing" extended to the container client).
type Handle interface {
	ID() string
	Name() string

	// Logs yields the container's combined stdout/stderr stream, following
	// until the container exits. The caller must Close the returned reader.
	Logs(ctx context.Context) (io.ReadCloser, error)
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int64, error)
	// Stop requests graceful termination using the given signal.
	Stop(ctx context.Context, signal string) error
	// Remove force-removes the container, releasing its resources.
	Remove(ctx context.Context) error
}

// Runtime is the Container Runner's public interface.
type Runtime interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
	Close() error
}

// Factory lazily produces the underlying Docker Engine API client. A
// factory callable (spec.md §9 "container client lazy init") lets tests
// substitute a fake.
type Factory func() (*client.Client, error)

// DefaultFactory builds a client from the environment (DOCKER_HOST, etc.),
// negotiating the API version with the daemon.
func DefaultFactory() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerRunner is the Runtime implementation backed by the real Docker
// Engine API. The zero value is not usable; construct with NewRunner.
type DockerRunner struct {
	factory Factory
	logger  logger.Logger

	mu  sync.Mutex
	cli *client.Client
}

// NewRunner returns a DockerRunner whose Docker Engine API client is
// lazily instantiated on first use and closed by Close.
func NewRunner(log logger.Logger, factory Factory) *DockerRunner {
	if factory == nil {
		factory = DefaultFactory
	}
	return &DockerRunner{logger: log, factory: factory}
}

func (r *DockerRunner) client() (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli != nil {
		return r.cli, nil
	}
	cli, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("container: building docker client: %w", err)
	}
	r.cli = cli
	return cli, nil
}

// Close releases the underlying Docker client, if one was instantiated.
func (r *DockerRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

// Launch implements spec.md §4.2's launch contract: attempt with an
// accelerator device request if requested; on any error with a device
// request present, log and retry once without it. Grounded on roko's
// two-attempt retry idiom used throughout agent_worker.go.
func (r *DockerRunner) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	cli, err := r.client()
	if err != nil {
		return nil, err
	}

	if !spec.Accelerator {
		return r.create(ctx, cli, spec, false)
	}

	var handle Handle
	retrier := roko.NewRetrier(
		roko.WithMaxAttempts(2),
		roko.WithStrategy(roko.Constant(0)),
	)
	err = retrier.DoWithContext(ctx, func(retrier *roko.Retrier) error {
		withDevice := retrier.AttemptCount() == 0
		h, launchErr := r.create(ctx, cli, spec, withDevice)
		if launchErr != nil {
			if withDevice {
				r.logger.Warn("container: launch with accelerator failed, retrying without: %v", launchErr)
			}
			return launchErr
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (r *DockerRunner) create(ctx context.Context, cli *client.Client, spec LaunchSpec, withDevice bool) (Handle, error) {
	hostConfig := &container.HostConfig{
		Binds: []string{spec.SharedDir + ":/data:rw"},
	}
	if withDevice {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{
				Count:        -1,
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Labels: spec.Labels,
	}, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return nil, err
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, err
	}

	return &dockerHandle{id: resp.ID, name: spec.Name, runner: r}, nil
}

// dockerHandle is the DockerRunner's Handle implementation.
type dockerHandle struct {
	id     string
	name   string
	runner *DockerRunner
}

func (h *dockerHandle) ID() string   { return h.id }
func (h *dockerHandle) Name() string { return h.name }

func (h *dockerHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	cli, err := h.runner.client()
	if err != nil {
		return nil, err
	}
	return cli.ContainerLogs(ctx, h.id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

func (h *dockerHandle) Wait(ctx context.Context) (int64, error) {
	cli, err := h.runner.client()
	if err != nil {
		return -1, err
	}

	statusCh, errCh := cli.ContainerWait(ctx, h.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

func (h *dockerHandle) Stop(ctx context.Context, signal string) error {
	cli, err := h.runner.client()
	if err != nil {
		return err
	}
	return cli.ContainerStop(ctx, h.id, container.StopOptions{Signal: signal})
}

func (h *dockerHandle) Remove(ctx context.Context) error {
	cli, err := h.runner.client()
	if err != nil {
		return err
	}
	return cli.ContainerRemove(ctx, h.id, types.ContainerRemoveOptions{Force: true})
}
