// Package streamable implements the MCP streamable HTTP transport: clients
// POST messages to one endpoint and receive replies as JSON or as an SSE
// stream, with an optional GET stream for server-initiated messages.
package streamable

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/sse"
)

// HeaderSessionID carries the session id on every request after initialize.
const HeaderSessionID = "mcp-session-id"

// DefaultBacklog is how many server-initiated messages are held while no
// stream is open to carry them.
const DefaultBacklog = 100

// ErrStreamConflict is returned by HandleGet when a standalone stream is
// already open for the session.
var ErrStreamConflict = errors.New("a stream is already open for this session")

// NewSessionID returns 32 random bytes as hex.
func NewSessionID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// stream is one open SSE response: the reply stream of a POST, or the
// standalone GET stream.
type stream struct {
	writer  *sse.Writer
	pending map[string]struct{}
	done    chan struct{}
	ended   bool
}

func (st *stream) end() {
	if !st.ended {
		st.ended = true
		close(st.done)
	}
}

// Server is the external side of one streamable HTTP session.
type Server struct {
	id      string
	logger  *zap.Logger
	backlog int

	queue *mcp.EventQueue

	mu         sync.Mutex
	closed     bool
	done       chan struct{}
	byRequest  map[string]*stream
	posts      map[*stream]struct{}
	standalone *stream
	held       []*mcp.Message
}

// NewServer creates a session with a fresh id.
func NewServer(logger *zap.Logger) *Server {
	id := NewSessionID()
	return &Server{
		id:        id,
		logger:    logger.With(zap.String("session_id", id)),
		backlog:   DefaultBacklog,
		queue:     mcp.NewEventQueue(64),
		done:      make(chan struct{}),
		byRequest: make(map[string]*stream),
		posts:     make(map[*stream]struct{}),
	}
}

// SessionID returns the value of the mcp-session-id header.
func (s *Server) SessionID() string {
	return s.id
}

func (s *Server) Start(ctx context.Context) error {
	return nil
}

// HandlePost queues msgs for the relay. Bodies without requests are answered
// with 202. Otherwise the response is an SSE stream that stays open until
// every request in the body has been answered, the client goes away, or the
// session closes.
func (s *Server) HandlePost(w http.ResponseWriter, r *http.Request, msgs []*mcp.Message) {
	var ids []string
	for _, m := range msgs {
		if m.IsRequest() {
			ids = append(ids, m.IDKey())
		}
	}

	if len(ids) == 0 {
		for _, m := range msgs {
			if !s.queue.Message(m) {
				http.Error(w, "session closed", http.StatusNotFound)
				return
			}
		}
		w.Header().Set(HeaderSessionID, s.id)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderSessionID, s.id)

	st := &stream{writer: writer, pending: make(map[string]struct{}, len(ids)), done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "session closed", http.StatusNotFound)
		return
	}
	for _, id := range ids {
		st.pending[id] = struct{}{}
		s.byRequest[id] = st
	}
	s.posts[st] = struct{}{}
	w.WriteHeader(http.StatusOK)
	writer.Flush()
	s.mu.Unlock()

	defer s.detach(st)

	for _, m := range msgs {
		if !s.queue.Message(m) {
			return
		}
	}

	select {
	case <-st.done:
	case <-r.Context().Done():
	case <-s.done:
	}
}

// HandleGet serves the standalone stream for server-initiated messages.
// Messages held while no stream was open are written first.
func (s *Server) HandleGet(w http.ResponseWriter, r *http.Request) error {
	writer, err := sse.NewWriter(w)
	if err != nil {
		return err
	}

	st := &stream{writer: writer, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return mcp.ErrTransportClosed
	}
	if s.standalone != nil {
		s.mu.Unlock()
		return ErrStreamConflict
	}
	s.standalone = st
	w.Header().Set(HeaderSessionID, s.id)
	w.WriteHeader(http.StatusOK)
	writer.Flush()
	held := s.held
	s.held = nil
	for i, m := range held {
		if err := s.write(st, m); err != nil {
			s.held = append(held[i:], s.held...)
			break
		}
	}
	s.mu.Unlock()

	defer s.detach(st)

	select {
	case <-st.done:
	case <-r.Context().Done():
	case <-s.done:
	}
	return nil
}

// detach forgets st. After it returns nothing writes to st's response.
func (s *Server) detach(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.end()
	for id, other := range s.byRequest {
		if other == st {
			delete(s.byRequest, id)
		}
	}
	delete(s.posts, st)
	if s.standalone == st {
		s.standalone = nil
	}
}

// Send routes msg to the client. A response goes to the POST stream that
// carried its request and ends that stream once all of its requests are
// answered. Other messages, including errors with a null id, use the
// standalone stream, then any open POST stream, and are held otherwise.
func (s *Server) Send(ctx context.Context, msg *mcp.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mcp.ErrTransportClosed
	}

	if key := msg.IDKey(); msg.IsResponse() && key != "" {
		st, ok := s.byRequest[key]
		if !ok {
			s.logger.Debug("Dropping response with no open request stream", zap.String("id", key))
			return nil
		}
		delete(s.byRequest, key)
		delete(st.pending, key)
		err := s.write(st, msg)
		if len(st.pending) == 0 || err != nil {
			st.end()
		}
		return err
	}

	if s.standalone != nil {
		if err := s.write(s.standalone, msg); err == nil {
			return nil
		}
		s.standalone.end()
		s.standalone = nil
	}
	for st := range s.posts {
		if !st.ended {
			return s.write(st, msg)
		}
	}
	if len(s.held) >= s.backlog {
		s.held = s.held[1:]
	}
	s.held = append(s.held, msg)
	return nil
}

func (s *Server) write(st *stream, msg *mcp.Message) error {
	data, err := mcp.Encode(msg)
	if err != nil {
		return err
	}
	return st.writer.Write(sse.EventMessage, string(data))
}

func (s *Server) Events() <-chan mcp.Event {
	return s.queue.Events()
}

// Done is closed when the session is closed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close terminates the session and releases every open stream.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	for st := range s.posts {
		st.end()
	}
	if s.standalone != nil {
		s.standalone.end()
	}
	s.mu.Unlock()

	s.queue.Shut()
	s.logger.Debug("Streamable HTTP session closed")
	return nil
}
