// Package mock provides an in-memory sandbox.Runtime for testing.
package mock

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// Provider is a mock runtime. Containers and networks live in maps; any
// operation can be overridden through the matching *Func field.
type Provider struct {
	mu         sync.RWMutex
	images     map[string]bool
	containers map[string]*sandbox.Container
	networks   map[string]string // id -> name
	nextID     int
	nextIP     int

	// Calls records operation names in order, e.g. "create", "start", "stop".
	Calls []string

	// Configurable behaviors for testing
	PullImageFunc     func(ctx context.Context, ref string) error
	CreateNetworkFunc func(ctx context.Context, opts sandbox.NetworkOptions) (string, error)
	CreateFunc        func(ctx context.Context, opts sandbox.CreateOptions) (string, error)
	StartFunc         func(ctx context.Context, containerID string) error
	StopFunc          func(ctx context.Context, containerID string, timeout time.Duration) error
	InspectFunc       func(ctx context.Context, containerID string) (*sandbox.Container, error)
	AttachFunc        func(ctx context.Context, containerID string) (sandbox.Stream, error)
	AttachStderrFunc  func(ctx context.Context, containerID string) (io.ReadCloser, error)
}

var _ sandbox.Runtime = (*Provider)(nil)

// NewProvider creates a mock runtime with no images, containers or networks.
func NewProvider() *Provider {
	return &Provider{
		images:     make(map[string]bool),
		containers: make(map[string]*sandbox.Container),
		networks:   make(map[string]string),
	}
}

func (p *Provider) record(call string) {
	p.Calls = append(p.Calls, call)
}

// CallLog returns a copy of the recorded calls.
func (p *Provider) CallLog() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.Calls...)
}

// AddImage marks an image as locally present.
func (p *Provider) AddImage(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.images[ref] = true
}

// SetState forces a container into the given state.
func (p *Provider) SetState(containerID string, state sandbox.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[containerID]; ok {
		c.State = state
	}
}

// ImageExists reports whether AddImage or PullImage saw the image.
func (p *Provider) ImageExists(ctx context.Context, ref string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.images[ref], nil
}

// PullImage marks the image present.
func (p *Provider) PullImage(ctx context.Context, ref string) error {
	if p.PullImageFunc != nil {
		if err := p.PullImageFunc(ctx, ref); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("pull")
	p.images[ref] = true
	return nil
}

// CreateNetwork registers a network. Creating an existing name returns its id.
func (p *Provider) CreateNetwork(ctx context.Context, opts sandbox.NetworkOptions) (string, error) {
	if p.CreateNetworkFunc != nil {
		return p.CreateNetworkFunc(ctx, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create-network")

	for id, name := range p.networks {
		if name == opts.Name {
			return id, nil
		}
	}
	p.nextID++
	id := fmt.Sprintf("net-%d", p.nextID)
	p.networks[id] = opts.Name
	return id, nil
}

// RemoveNetwork deletes a network by id or name.
func (p *Provider) RemoveNetwork(ctx context.Context, nameOrID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("remove-network")

	for id, name := range p.networks {
		if id == nameOrID || name == nameOrID {
			delete(p.networks, id)
			return nil
		}
	}
	return sandbox.ErrNotFound
}

// Networks returns the names of existing networks (for test assertions).
func (p *Provider) Networks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.networks))
	for _, name := range p.networks {
		out = append(out, name)
	}
	return out
}

// Create registers a container in the created state.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create")

	if !p.images[opts.Image] {
		return "", fmt.Errorf("%w: %s", sandbox.ErrInvalidImage, opts.Image)
	}

	p.nextID++
	id := fmt.Sprintf("mock-%d", p.nextID)
	labels := map[string]string{sandbox.LabelManaged: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	p.containers[id] = &sandbox.Container{
		ID:       id,
		Image:    opts.Image,
		State:    sandbox.StateCreated,
		Labels:   labels,
		Networks: map[string]string{opts.Network: ""},
	}
	return id, nil
}

// Start moves the container to running and assigns an address.
func (p *Provider) Start(ctx context.Context, containerID string) error {
	if p.StartFunc != nil {
		return p.StartFunc(ctx, containerID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("start")

	c, ok := p.containers[containerID]
	if !ok {
		return sandbox.ErrNotFound
	}
	c.State = sandbox.StateRunning
	for name, ip := range c.Networks {
		if ip == "" {
			p.nextIP++
			c.Networks[name] = net.IPv4(172, 30, byte(p.nextIP/250), byte(2+p.nextIP%250)).String()
		}
	}
	return nil
}

// Stop moves the container to exited.
func (p *Provider) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	if p.StopFunc != nil {
		return p.StopFunc(ctx, containerID, timeout)
	}
	return p.transition(containerID, "stop", sandbox.StateExited)
}

// Kill moves the container to exited.
func (p *Provider) Kill(ctx context.Context, containerID string) error {
	return p.transition(containerID, "kill", sandbox.StateExited)
}

// Unpause moves a paused container back to running.
func (p *Provider) Unpause(ctx context.Context, containerID string) error {
	return p.transition(containerID, "unpause", sandbox.StateRunning)
}

func (p *Provider) transition(containerID, call string, to sandbox.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(call)

	c, ok := p.containers[containerID]
	if !ok {
		return sandbox.ErrNotFound
	}
	c.State = to
	return nil
}

// Remove deletes the container.
func (p *Provider) Remove(ctx context.Context, containerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("remove")

	if _, ok := p.containers[containerID]; !ok {
		return sandbox.ErrNotFound
	}
	delete(p.containers, containerID)
	return nil
}

// Inspect returns a copy of the container.
func (p *Provider) Inspect(ctx context.Context, containerID string) (*sandbox.Container, error) {
	if p.InspectFunc != nil {
		return p.InspectFunc(ctx, containerID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.containers[containerID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return copyContainer(c), nil
}

// List returns copies of all containers.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Container, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*sandbox.Container, 0, len(p.containers))
	for _, c := range p.containers {
		out = append(out, copyContainer(c))
	}
	return out, nil
}

// Attach returns a fresh in-memory Stream unless AttachFunc is set. Tests
// that need to drive output set AttachFunc and keep the Stream.
func (p *Provider) Attach(ctx context.Context, containerID string) (sandbox.Stream, error) {
	if p.AttachFunc != nil {
		return p.AttachFunc(ctx, containerID)
	}

	p.mu.RLock()
	c, ok := p.containers[containerID]
	p.mu.RUnlock()
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	if c.State != sandbox.StateRunning {
		return nil, sandbox.ErrNotRunning
	}
	return NewStream(), nil
}

// AttachStderr returns an empty stderr stream unless overridden.
func (p *Provider) AttachStderr(ctx context.Context, containerID string) (io.ReadCloser, error) {
	if p.AttachStderrFunc != nil {
		return p.AttachStderrFunc(ctx, containerID)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// Containers returns copies of all containers keyed by id (for test assertions).
func (p *Provider) Containers() map[string]*sandbox.Container {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*sandbox.Container, len(p.containers))
	for k, v := range p.containers {
		result[k] = copyContainer(v)
	}
	return result
}

func copyContainer(c *sandbox.Container) *sandbox.Container {
	cpy := *c
	cpy.Networks = make(map[string]string, len(c.Networks))
	for k, v := range c.Networks {
		cpy.Networks[k] = v
	}
	return &cpy
}

// Stream is an in-memory sandbox.Stream. Output written with Emit is what the
// reader sees; Input collects what the reader side wrote.
type Stream struct {
	out *io.PipeReader
	pw  *io.PipeWriter

	mu          sync.Mutex
	input       []byte
	writeClosed bool
	closed      bool
}

// NewStream creates an open stream.
func NewStream() *Stream {
	pr, pw := io.Pipe()
	return &Stream{out: pr, pw: pw}
}

// Emit makes b available to Read. It blocks until read.
func (s *Stream) Emit(b []byte) error {
	_, err := s.pw.Write(b)
	return err
}

// EndOutput closes the output side; subsequent reads return io.EOF.
func (s *Stream) EndOutput() {
	s.pw.Close()
}

// Input returns everything written to the stream.
func (s *Stream) Input() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.input...)
}

// WriteClosed reports whether CloseWrite was called.
func (s *Stream) WriteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeClosed
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.out.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed || s.closed {
		return 0, io.ErrClosedPipe
	}
	s.input = append(s.input, b...)
	return len(b), nil
}

func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeClosed = true
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	return s.out.Close()
}
