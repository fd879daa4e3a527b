package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// DefaultDrainTimeout bounds how long Close lets the output side drain
// before the attach connection is torn down.
const DefaultDrainTimeout = 5 * time.Second

const readBufferSize = 32 * 1024

// Transport is an mcp.Transport over a container's attach stream.
type Transport struct {
	runtime     sandbox.Runtime
	containerID string
	logger      *zap.Logger

	DrainTimeout time.Duration

	queue *mcp.EventQueue

	writeMu sync.Mutex

	mu       sync.Mutex
	stream   sandbox.Stream
	closing  bool
	readDone chan struct{}
}

// NewTransport creates a transport for the container. Nothing is attached
// until Start.
func NewTransport(runtime sandbox.Runtime, containerID string, logger *zap.Logger) *Transport {
	return &Transport{
		runtime:      runtime,
		containerID:  containerID,
		logger:       logger.With(zap.String("container_id", containerID)),
		DrainTimeout: DefaultDrainTimeout,
		queue:        mcp.NewEventQueue(64),
		readDone:     make(chan struct{}),
	}
}

// Start attaches to the container and begins reading its output.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return mcp.ErrTransportClosed
	}
	if t.stream != nil {
		return nil
	}

	stream, err := t.runtime.Attach(ctx, t.containerID)
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	t.stream = stream
	go t.read(stream)
	return nil
}

func (t *Transport) read(stream sandbox.Stream) {
	defer close(t.readDone)
	defer t.queue.Shut()

	d := NewDemuxer()
	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			t.deliver(d.Feed(buf[:n]))
		}
		if err != nil {
			t.deliver(d.Flush())
			if !errors.Is(err, io.EOF) && !t.isClosing() {
				t.queue.Error(fmt.Errorf("read attach stream: %w", err))
			}
			return
		}
	}
}

func (t *Transport) deliver(lines []Line) {
	for _, l := range lines {
		var stderr *StderrLine
		switch {
		case errors.As(l.Err, &stderr):
			t.logger.Debug("server stderr", zap.String("line", stderr.Text))
		case l.Err != nil:
			t.queue.Error(l.Err)
		default:
			t.queue.Message(l.Message)
		}
	}
}

// Send writes the message as one JSON line to the container's stdin.
func (t *Transport) Send(ctx context.Context, msg *mcp.Message) error {
	data, err := mcp.Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	t.mu.Lock()
	stream, closing := t.stream, t.closing
	t.mu.Unlock()
	if stream == nil || closing {
		return mcp.ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stream.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (t *Transport) Events() <-chan mcp.Event {
	return t.queue.Events()
}

// Close ends stdin. Output already in flight is still delivered; the
// connection is closed once it drains or DrainTimeout passes.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	stream := t.stream
	t.mu.Unlock()

	if stream == nil {
		t.queue.Shut()
		return nil
	}

	err := stream.CloseWrite()
	go func() {
		select {
		case <-t.readDone:
		case <-time.After(t.DrainTimeout):
		}
		stream.Close()
	}()
	return err
}

func (t *Transport) isClosing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}
