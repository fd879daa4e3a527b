package sse

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
)

// Server is the external side of an SSE session: it owns the client's event
// stream and receives the client's POSTed messages.
type Server struct {
	id          string
	messagesURL string
	writer      *Writer
	logger      *zap.Logger

	queue *mcp.EventQueue

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewServer wraps an open GET response. messagesPath is where the client
// must POST; the session id is appended as the sessionId query parameter.
func NewServer(w http.ResponseWriter, messagesPath string, logger *zap.Logger) (*Server, error) {
	writer, err := NewWriter(w)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Server{
		id:          id,
		messagesURL: messagesPath + "?sessionId=" + url.QueryEscape(id),
		writer:      writer,
		logger:      logger.With(zap.String("session_id", id)),
		queue:       mcp.NewEventQueue(64),
		done:        make(chan struct{}),
	}, nil
}

// SessionID returns the id the client uses on POSTs.
func (s *Server) SessionID() string {
	return s.id
}

// Start flushes the stream headers and announces the message endpoint.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mcp.ErrTransportClosed
	}
	return s.writer.Write(EventEndpoint, s.messagesURL)
}

// Send writes msg to the client's event stream.
func (s *Server) Send(ctx context.Context, msg *mcp.Message) error {
	data, err := mcp.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mcp.ErrTransportClosed
	}
	return s.writer.Write(EventMessage, string(data))
}

// HandleMessage accepts a POSTed body, a single message or a batch, and
// queues it for the relay.
func (s *Server) HandleMessage(body []byte) error {
	msgs, _, err := mcp.DecodeBatch(body)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !s.queue.Message(m) {
			return mcp.ErrTransportClosed
		}
	}
	return nil
}

func (s *Server) Events() <-chan mcp.Event {
	return s.queue.Events()
}

// Done is closed when the session is closed. The GET handler returns then.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Close ends the session. Nothing is written to the response afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.queue.Shut()
	s.logger.Debug("SSE session closed")
	return nil
}
