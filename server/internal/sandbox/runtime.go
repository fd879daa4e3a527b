// Package sandbox abstracts the container engine that hosts MCP servers.
// The Docker implementation lives in sandbox/docker; sandbox/mock is used in tests.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Runtime is the gateway to the container engine. Every deployment owns one
// container attached to one private bridge network.
type Runtime interface {
	// ImageExists reports whether the image is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// PullImage pulls the image and blocks until the pull completes.
	PullImage(ctx context.Context, ref string) error

	// CreateNetwork creates an isolated bridge network and returns its id.
	CreateNetwork(ctx context.Context, opts NetworkOptions) (string, error)

	// RemoveNetwork removes a network by id or name.
	RemoveNetwork(ctx context.Context, nameOrID string) error

	// Create creates a container but does not start it. Returns the container id.
	Create(ctx context.Context, opts CreateOptions) (string, error)

	// Start starts a created or exited container.
	Start(ctx context.Context, containerID string) error

	// Stop stops a running container, force-killing it after timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Kill sends SIGKILL to the container.
	Kill(ctx context.Context, containerID string) error

	// Unpause resumes a frozen container.
	Unpause(ctx context.Context, containerID string) error

	// Remove force-removes the container.
	Remove(ctx context.Context, containerID string) error

	// Inspect returns the current state of the container.
	Inspect(ctx context.Context, containerID string) (*Container, error)

	// List returns every container carrying LabelManaged, in any state.
	List(ctx context.Context) ([]*Container, error)

	// Attach opens a multiplexed stdin/stdout/stderr stream to the container.
	Attach(ctx context.Context, containerID string) (Stream, error)

	// AttachStderr follows the container's stderr only. The returned reader is
	// already demultiplexed and ends when the container stops.
	AttachStderr(ctx context.Context, containerID string) (io.ReadCloser, error)
}

// Stream is a hijacked attach connection. Reads yield the engine's framed
// output; writes go to the container's stdin.
type Stream interface {
	io.ReadWriteCloser

	// CloseWrite half-closes stdin while the output side keeps draining.
	CloseWrite() error
}

// State is the engine-reported container state.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateDead       State = "dead"
)

// Container is a snapshot of a container's state.
type Container struct {
	ID     string
	Image  string
	State  State
	Labels map[string]string

	// Networks maps network name to the container's IP on that network.
	Networks map[string]string
}

// IPOn returns the container's address on the named network, or "" when the
// container is not attached or has no address yet.
func (c *Container) IPOn(network string) string {
	if c == nil || c.Networks == nil {
		return ""
	}
	return c.Networks[network]
}

// CreateOptions configures container creation. The container is always
// created with stdin open and without a TTY so the attach stream is framed.
type CreateOptions struct {
	Name    string
	Image   string
	Cmd     []string          // Empty uses the image default
	Env     map[string]string // Environment variables
	Labels  map[string]string // Labels for identification
	User    string            // uid:gid
	Network string            // The only network the container joins

	// ExposePort is the container port the underlying server listens on, 0 for none.
	ExposePort int

	Resources ResourceConfig
	Security  SecurityConfig
}

// ResourceConfig defines resource limits for the container.
type ResourceConfig struct {
	MemoryMB int     // Memory limit in MB (0 = no limit)
	CPUCores float64 // CPU cores (0 = no limit)
}

// SecurityConfig is the hardening applied to every container.
type SecurityConfig struct {
	Runtime     string   // OCI runtime, e.g. runsc
	SecurityOpt []string // e.g. no-new-privileges:true
	CapDrop     []string
	DNS         []string
}

// NetworkOptions configures a private bridge network.
type NetworkOptions struct {
	Name       string
	BridgeName string // Host-side interface name
	MTU        int
	Labels     map[string]string
}

// Labels applied to every resource the runner creates.
const (
	LabelDeploymentID = "mcp-runner.deployment-id"
	LabelUsername     = "mcp-runner.username"
	LabelManaged      = "mcp-runner.managed"
)
