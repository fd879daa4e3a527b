// Package docker implements sandbox.Runtime on top of the Docker engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// Provider is the Docker-backed sandbox.Runtime.
type Provider struct {
	client *client.Client
	logger *zap.Logger
}

var _ sandbox.Runtime = (*Provider)(nil)

// NewProvider connects to the Docker engine. An empty host uses DOCKER_HOST or
// the platform default socket.
func NewProvider(host string, logger *zap.Logger) (*Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Provider{client: cli, logger: logger}, nil
}

// Ping checks that the engine is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	if _, err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker engine unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// ImageExists reports whether the image is present locally.
func (p *Provider) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := p.client.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// PullImage pulls the image, draining the progress stream so errors reported
// mid-pull are surfaced.
func (p *Provider) PullImage(ctx context.Context, ref string) error {
	p.logger.Info("Pulling image", zap.String("image", ref))

	rc, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s: %v", sandbox.ErrInvalidImage, ref, err)
		}
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrInvalidImage, ref, err)
	}

	p.logger.Info("Pulled image", zap.String("image", ref))
	return nil
}

// Create creates a hardened container attached only to opts.Network.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{sandbox.LabelManaged: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	containerConfig := &containerTypes.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          env,
		User:         opts.User,
		Labels:       labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	if opts.ExposePort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(opts.ExposePort))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", opts.ExposePort, err)
		}
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
	}

	hostConfig := &containerTypes.HostConfig{
		Runtime:     opts.Security.Runtime,
		SecurityOpt: opts.Security.SecurityOpt,
		CapDrop:     opts.Security.CapDrop,
		DNS:         opts.Security.DNS,
		NetworkMode: containerTypes.NetworkMode(opts.Network),
	}
	if opts.Resources.MemoryMB > 0 {
		hostConfig.Memory = int64(opts.Resources.MemoryMB) * 1024 * 1024
	}
	if opts.Resources.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(opts.Resources.CPUCores * 1e9)
	}

	var networkingConfig *network.NetworkingConfig
	if opts.Network != "" {
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {},
			},
		}
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		p.logger.Warn("Container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}

	return resp.ID, nil
}

// Start starts a created or exited container.
func (p *Provider) Start(ctx context.Context, containerID string) error {
	if err := p.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		return wrap("start container", err)
	}
	return nil
}

// Stop stops the container, letting the engine kill it after timeout.
func (p *Provider) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := p.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{Timeout: &secs}); err != nil {
		return wrap("stop container", err)
	}
	return nil
}

// Kill sends SIGKILL.
func (p *Provider) Kill(ctx context.Context, containerID string) error {
	if err := p.client.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return wrap("kill container", err)
	}
	return nil
}

// Unpause resumes a frozen container.
func (p *Provider) Unpause(ctx context.Context, containerID string) error {
	if err := p.client.ContainerUnpause(ctx, containerID); err != nil {
		return wrap("unpause container", err)
	}
	return nil
}

// Remove force-removes the container.
func (p *Provider) Remove(ctx context.Context, containerID string) error {
	if err := p.client.ContainerRemove(ctx, containerID, containerTypes.RemoveOptions{Force: true}); err != nil {
		return wrap("remove container", err)
	}
	return nil
}

// Inspect returns the container's state and per-network addresses.
func (p *Provider) Inspect(ctx context.Context, containerID string) (*sandbox.Container, error) {
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, wrap("inspect container", err)
	}

	c := &sandbox.Container{
		ID:       info.ID,
		Networks: make(map[string]string),
	}
	if info.Config != nil {
		c.Image = info.Config.Image
		c.Labels = info.Config.Labels
	}
	if info.State != nil {
		c.State = sandbox.State(info.State.Status)
	}
	if info.NetworkSettings != nil {
		for name, ep := range info.NetworkSettings.Networks {
			if ep != nil {
				c.Networks[name] = ep.IPAddress
			}
		}
	}
	return c, nil
}

// List returns all runner-managed containers.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Container, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandbox.LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*sandbox.Container, 0, len(containers))
	for _, c := range containers {
		sc := &sandbox.Container{
			ID:       c.ID,
			Image:    c.Image,
			State:    sandbox.State(c.State),
			Labels:   c.Labels,
			Networks: make(map[string]string),
		}
		if c.NetworkSettings != nil {
			for name, ep := range c.NetworkSettings.Networks {
				if ep != nil {
					sc.Networks[name] = ep.IPAddress
				}
			}
		}
		out = append(out, sc)
	}
	return out, nil
}

// Attach opens the multiplexed stdio stream. The caller owns the returned
// stream and must demultiplex its output.
func (p *Provider) Attach(ctx context.Context, containerID string) (sandbox.Stream, error) {
	resp, err := p.client.ContainerAttach(ctx, containerID, containerTypes.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, wrap("attach", err)
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAttachFailed, err)
	}
	return &hijackedStream{resp: resp}, nil
}

// AttachStderr follows stderr only and demultiplexes it with stdcopy.
func (p *Provider) AttachStderr(ctx context.Context, containerID string) (io.ReadCloser, error) {
	resp, err := p.client.ContainerAttach(ctx, containerID, containerTypes.AttachOptions{
		Stream: true,
		Stderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, wrap("attach stderr", err)
		}
		return nil, fmt.Errorf("%w: %v", sandbox.ErrAttachFailed, err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(io.Discard, pw, resp.Reader)
		pw.CloseWithError(copyErr)
	}()

	return &stderrReader{PipeReader: pr, resp: resp}, nil
}

// hijackedStream adapts the engine's hijacked connection to sandbox.Stream.
// Reads must go through the buffered reader since the engine may already have
// buffered part of the stream during the upgrade.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(b []byte) (int, error)  { return s.resp.Reader.Read(b) }
func (s *hijackedStream) Write(b []byte) (int, error) { return s.resp.Conn.Write(b) }
func (s *hijackedStream) CloseWrite() error           { return s.resp.CloseWrite() }

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}

type stderrReader struct {
	*io.PipeReader
	resp types.HijackedResponse
}

func (r *stderrReader) Close() error {
	r.resp.Close()
	return r.PipeReader.Close()
}

func wrap(op string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w: %v", op, sandbox.ErrNotFound, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
