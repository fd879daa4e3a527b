// Package proxy relays MCP traffic between an external client transport and
// the internal transport of a deployment's underlying server.
package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/metrics"
)

// Toucher records activity on a deployment. Implementations must not block
// for long and must swallow their own failures.
type Toucher interface {
	Touch(ctx context.Context, deploymentID string)
}

const (
	touchTimeout = 5 * time.Second
	sendTimeout  = 30 * time.Second
)

// Session is one relay between an external transport and an internal one.
type Session struct {
	ID           string
	DeploymentID string

	external     mcp.Transport
	internal     mcp.Transport
	externalKind string
	internalKind string
	remap        *mcp.Remapper
	toucher      Toucher
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	closeOnce sync.Once
	hookMu    sync.Mutex
	closed    bool
	onClose   []func()
	done      chan struct{}
	wg        sync.WaitGroup
}

// SessionOptions configures NewSession.
type SessionOptions struct {
	ID           string
	DeploymentID string
	External     mcp.Transport
	Internal     mcp.Transport
	ExternalKind string
	InternalKind string
	Toucher      Toucher
	Logger       *zap.Logger
}

// NewSession wires the two transports. Nothing flows until Run.
func NewSession(opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:           opts.ID,
		DeploymentID: opts.DeploymentID,
		external:     opts.External,
		internal:     opts.Internal,
		externalKind: opts.ExternalKind,
		internalKind: opts.InternalKind,
		remap:        mcp.NewRemapper(opts.ID),
		toucher:      opts.Toucher,
		logger: opts.Logger.With(
			zap.String("session_id", opts.ID),
			zap.String("deployment_id", opts.DeploymentID),
		),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// OnClose registers fn to run once when the session closes. On a session that
// is already closed fn runs immediately.
func (s *Session) OnClose(fn func()) {
	s.hookMu.Lock()
	if s.closed {
		s.hookMu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.hookMu.Unlock()
}

// External returns the client-facing transport.
func (s *Session) External() mcp.Transport {
	return s.external
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run starts both relay directions. Both transports must already be started.
func (s *Session) Run() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	metrics.SessionsActive.WithLabelValues(s.externalKind, s.internalKind).Inc()
	s.logger.Info("Session opened",
		zap.String("external", s.externalKind),
		zap.String("internal", s.internalKind))

	s.wg.Add(2)
	go s.clientToServer()
	go s.serverToClient()
}

func (s *Session) clientToServer() {
	defer s.wg.Done()

	for ev := range s.external.Events() {
		if ev.Err != nil {
			s.logger.Warn("External transport error", zap.Error(ev.Err))
			continue
		}
		s.touch()

		out := s.remap.Outbound(ev.Message)
		ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
		err := s.internal.Send(ctx, out)
		cancel()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail("failed to reach MCP server", err)
			}
			return
		}
		metrics.MessagesRelayedTotal.WithLabelValues("client_to_server").Inc()
	}
	s.Close()
}

func (s *Session) serverToClient() {
	defer s.wg.Done()

	for ev := range s.internal.Events() {
		if ev.Err != nil {
			s.logger.Warn("Internal transport error", zap.Error(ev.Err))
			s.report(mcp.NewErrorResponse(nil, mcp.CodeInternalError, "MCP server error: "+ev.Err.Error()))
			continue
		}

		in, ok := s.remap.Inbound(ev.Message)
		if !ok {
			metrics.MessagesDroppedTotal.WithLabelValues("unknown_id").Inc()
			s.logger.Debug("Dropping response for unknown id", zap.String("id", ev.Message.IDKey()))
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
		err := s.external.Send(ctx, in)
		cancel()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, mcp.ErrTransportClosed) {
				s.logger.Warn("Failed to deliver message to client", zap.Error(err))
			}
			s.Close()
			return
		}
		metrics.MessagesRelayedTotal.WithLabelValues("server_to_client").Inc()
	}

	if s.ctx.Err() == nil {
		s.fail("MCP server connection closed", nil)
	}
}

// fail tells the client the session is broken, then closes it. Requests still
// waiting for the server are answered with an error under their own ids; with
// none outstanding a single error with a null id is sent.
func (s *Session) fail(message string, err error) {
	if err != nil {
		s.logger.Warn("Session failed", zap.String("reason", message), zap.Error(err))
	} else {
		s.logger.Info("Session ended by MCP server")
	}

	pending := s.remap.Drain()
	if len(pending) == 0 {
		s.report(mcp.NewErrorResponse(nil, mcp.CodeInternalError, message))
	}
	for _, id := range pending {
		s.report(mcp.NewErrorResponse(id, mcp.CodeInternalError, message))
	}
	s.Close()
}

// report delivers an error produced by the proxy itself to the client.
func (s *Session) report(msg *mcp.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), sendTimeout)
	defer cancel()
	if err := s.external.Send(ctx, msg); err != nil {
		s.logger.Debug("Failed to report error to client", zap.Error(err))
	}
}

func (s *Session) touch() {
	if s.toucher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		s.toucher.Touch(ctx, s.DeploymentID)
	}()
}

// Close closes the external transport, which cascades to the internal one,
// and runs the OnClose hooks. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.external.Close(); err != nil {
			s.logger.Debug("Failed to close external transport", zap.Error(err))
		}
		if err := s.internal.Close(); err != nil {
			s.logger.Debug("Failed to close internal transport", zap.Error(err))
		}
		s.remap.Reset()

		s.hookMu.Lock()
		s.closed = true
		hooks := s.onClose
		s.onClose = nil
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		if s.running.Load() {
			metrics.SessionsActive.WithLabelValues(s.externalKind, s.internalKind).Dec()
		}
		s.logger.Info("Session closed")
		close(s.done)
	})
}

// Wait blocks until both relay goroutines have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}
