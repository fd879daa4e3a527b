package proxy

import (
	"errors"
	"sort"
	"sync"
)

// ErrInvalidSession is returned for a missing or unknown session id.
var ErrInvalidSession = errors.New("no valid session id provided")

// Registry holds the open sessions of one external transport kind.
//
// A session is "connected" while at least one client response stream is
// attached to it. Connected sessions keep their deployment alive between
// messages.
type Registry struct {
	kind string

	mu        sync.RWMutex
	sessions  map[string]*Session
	connected map[string]int
}

// NewRegistry creates an empty registry for the external kind ("sse" or
// "streamable_http").
func NewRegistry(kind string) *Registry {
	return &Registry{
		kind:      kind,
		sessions:  make(map[string]*Session),
		connected: make(map[string]int),
	}
}

// Kind returns the external transport kind.
func (r *Registry) Kind() string {
	return r.kind
}

// Add registers s and removes it again when it closes.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	s.OnClose(func() { r.Remove(s.ID) })
}

// Get returns the open session with id.
func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSession
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrInvalidSession
	}
	return s, nil
}

// Remove forgets the session. It does not close it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.connected, id)
}

// Connect marks the session as having an attached client stream until the
// returned release func is called.
func (r *Registry) Connect(id string) (release func()) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.connected[id]++
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.connected[id] <= 1 {
				delete(r.connected, id)
			} else {
				r.connected[id]--
			}
		})
	}
}

// ActiveDeployments returns the distinct deployment ids of connected sessions.
func (r *Registry) ActiveDeployments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range r.connected {
		if s, ok := r.sessions[id]; ok {
			seen[s.DeploymentID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseDeployment closes every session of the deployment.
func (r *Registry) CloseDeployment(deploymentID string) {
	for _, s := range r.snapshot() {
		if s.DeploymentID == deploymentID {
			s.Close()
		}
	}
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
