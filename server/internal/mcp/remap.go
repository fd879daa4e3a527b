package mcp

import (
	"encoding/json"
	"sync"
)

// IDSeparator joins the session id and the original request id.
const IDSeparator = "::"

// Remapper rewrites client request ids to "{sessionID}::{originalID}" before
// they reach a shared underlying connection, and restores them on the way
// back. One Remapper belongs to one session.
type Remapper struct {
	prefix string

	mu      sync.Mutex
	pending map[string]json.RawMessage
}

// NewRemapper creates a remapper for the session.
func NewRemapper(sessionID string) *Remapper {
	return &Remapper{
		prefix:  sessionID + IDSeparator,
		pending: make(map[string]json.RawMessage),
	}
}

// Outbound returns the message to forward to the underlying server. Requests
// get a proxy id; everything else is returned unchanged.
func (r *Remapper) Outbound(m *Message) *Message {
	if !m.IsRequest() {
		return m
	}

	proxyID := r.prefix + m.IDKey()
	out := m.Clone()
	out.ID = StringID(proxyID)

	r.mu.Lock()
	r.pending[proxyID] = append(json.RawMessage(nil), m.ID...)
	r.mu.Unlock()
	return out
}

// Inbound maps a message from the underlying server back to the client. It
// returns false when the message must not be delivered to this session: a
// response whose id was not issued by this remapper. Messages that carry a
// method pass through untouched. A matched id is forgotten once restored.
func (r *Remapper) Inbound(m *Message) (*Message, bool) {
	if !m.IsResponse() {
		return m, true
	}

	key := m.IDKey()
	r.mu.Lock()
	original, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	out := m.Clone()
	out.ID = original
	return out, true
}

// Pending returns the number of requests awaiting a response.
func (r *Remapper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drain returns the client ids of every request still awaiting a response
// and forgets them.
func (r *Remapper) Drain() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]json.RawMessage, 0, len(r.pending))
	for _, id := range r.pending {
		ids = append(ids, id)
	}
	r.pending = make(map[string]json.RawMessage)
	return ids
}

// Reset discards all outstanding mappings.
func (r *Remapper) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]json.RawMessage)
}
