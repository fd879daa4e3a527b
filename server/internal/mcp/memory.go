package mcp

import (
	"context"
	"sync"
)

// InMemoryTransport is one end of a connected in-process transport pair.
type InMemoryTransport struct {
	queue *EventQueue
	peer  *InMemoryTransport
	once  sync.Once
}

// NewInMemoryPair returns two transports where each one's Send is delivered
// to the other's Events. Closing either end ends both streams.
func NewInMemoryPair() (*InMemoryTransport, *InMemoryTransport) {
	a := &InMemoryTransport{queue: NewEventQueue(64)}
	b := &InMemoryTransport{queue: NewEventQueue(64)}
	a.peer, b.peer = b, a
	return a, b
}

func (t *InMemoryTransport) Start(ctx context.Context) error { return nil }

func (t *InMemoryTransport) Send(ctx context.Context, msg *Message) error {
	select {
	case <-t.queue.Done():
		return ErrTransportClosed
	default:
	}
	if !t.peer.queue.Message(msg) {
		return ErrTransportClosed
	}
	return nil
}

func (t *InMemoryTransport) Events() <-chan Event { return t.queue.Events() }

// Close ends both directions.
func (t *InMemoryTransport) Close() error {
	t.once.Do(func() {
		t.queue.Shut()
		t.peer.Close()
	})
	return nil
}
