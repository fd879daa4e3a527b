package mcp

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by Send after Close or after the peer went away.
var ErrTransportClosed = errors.New("transport closed")

// Event is one item of a transport's inbound stream: either a message or a
// transport-level error. Errors do not end the stream on their own; the
// stream ends when the channel is closed.
type Event struct {
	Message *Message
	Err     error
}

// Transport is a bidirectional JSON-RPC message channel.
type Transport interface {
	// Start establishes the connection. Events may be delivered afterwards.
	Start(ctx context.Context) error

	// Send delivers one message to the peer.
	Send(ctx context.Context, msg *Message) error

	// Events returns the inbound stream. It is closed when the transport ends.
	Events() <-chan Event

	// Close tears the transport down. It is safe to call more than once.
	Close() error
}

// EventQueue is the inbound side shared by transport implementations: an
// events channel that is closed exactly once, with sends that never block
// past Close.
type EventQueue struct {
	ch       chan Event
	done     chan struct{}
	once     sync.Once
	inflight sync.WaitGroup
	mu       sync.RWMutex
	ended    bool
}

// NewEventQueue creates a queue with the given buffer size.
func NewEventQueue(size int) *EventQueue {
	return &EventQueue{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Events returns the receive side.
func (q *EventQueue) Events() <-chan Event {
	return q.ch
}

// Done is closed when the queue has been shut.
func (q *EventQueue) Done() <-chan struct{} {
	return q.done
}

// Push delivers ev, blocking while the buffer is full. It returns false once
// the queue is shut.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.RLock()
	if q.ended {
		q.mu.RUnlock()
		return false
	}
	q.inflight.Add(1)
	q.mu.RUnlock()
	defer q.inflight.Done()

	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	}
}

// Message pushes a message event.
func (q *EventQueue) Message(m *Message) bool {
	return q.Push(Event{Message: m})
}

// Error pushes an error event.
func (q *EventQueue) Error(err error) bool {
	return q.Push(Event{Err: err})
}

// Shut closes the events channel after in-flight pushes have returned.
func (q *EventQueue) Shut() {
	q.once.Do(func() {
		q.mu.Lock()
		q.ended = true
		q.mu.Unlock()
		close(q.done)
		q.inflight.Wait()
		close(q.ch)
	})
}
