package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/streamable"
	"github.com/obot-platform/mcprunner/server/internal/proxy"
)

// StreamablePost relays client messages. An initialize request without a
// session header opens a new session; everything else must name one. Every
// verb brings the deployment up before it looks at the session.
// POST /mcp-server/{deploymentId}/mcp
func (h *Handler) StreamablePost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentId")

	d, ok := h.readyDeployment(w, r, id)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.invalidMessage(w, err)
		return
	}
	msgs, _, err := mcp.DecodeBatch(body)
	if err != nil {
		h.invalidMessage(w, err)
		return
	}

	if sid := r.Header.Get(streamable.HeaderSessionID); sid != "" {
		sess, external, ok := h.streamableSession(w, sid, id)
		if !ok {
			return
		}
		release := h.streamable.Connect(sess.ID)
		defer release()
		external.HandlePost(w, r, msgs)
		return
	}

	if !containsInitialize(msgs) {
		h.invalidSession(w)
		return
	}

	external := streamable.NewServer(h.logger)
	sess, err := h.openSession(r, h.streamable, d, external.SessionID(), external)
	if err != nil {
		h.logger.Warn("Failed to connect to MCP server", zap.String("deployment_id", id), zap.Error(err))
		h.rpcError(w, http.StatusBadRequest, mcp.CodeDeploymentUnavailable, "Failed to connect to MCP server")
		return
	}
	sess.Run()

	release := h.streamable.Connect(sess.ID)
	defer release()
	external.HandlePost(w, r, msgs)
}

// StreamableGet serves the standalone stream of server-initiated messages.
// GET /mcp-server/{deploymentId}/mcp
func (h *Handler) StreamableGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentId")

	if _, ok := h.readyDeployment(w, r, id); !ok {
		return
	}

	sess, external, ok := h.streamableSession(w, r.Header.Get(streamable.HeaderSessionID), id)
	if !ok {
		return
	}

	release := h.streamable.Connect(sess.ID)
	defer release()

	if err := external.HandleGet(w, r); err != nil {
		switch {
		case errors.Is(err, streamable.ErrStreamConflict):
			h.rpcError(w, http.StatusConflict, mcp.CodeNoValidSession, "Conflict: Only one SSE stream is allowed per session")
		case errors.Is(err, mcp.ErrTransportClosed):
			h.invalidSession(w)
		default:
			h.rpcError(w, http.StatusInternalServerError, mcp.CodeInternalError, err.Error())
		}
	}
}

// StreamableDelete terminates a session.
// DELETE /mcp-server/{deploymentId}/mcp
func (h *Handler) StreamableDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentId")

	if _, ok := h.readyDeployment(w, r, id); !ok {
		return
	}

	sess, _, ok := h.streamableSession(w, r.Header.Get(streamable.HeaderSessionID), id)
	if !ok {
		return
	}
	sess.Close()
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) streamableSession(w http.ResponseWriter, sid, deploymentID string) (*proxy.Session, *streamable.Server, bool) {
	sess, err := lookupSession(h.streamable, sid, deploymentID)
	if err != nil {
		h.invalidSession(w)
		return nil, nil, false
	}
	external, ok := sess.External().(*streamable.Server)
	if !ok {
		h.invalidSession(w)
		return nil, nil, false
	}
	return sess, external, true
}

func containsInitialize(msgs []*mcp.Message) bool {
	for _, m := range msgs {
		if m.IsInitializeRequest() {
			return true
		}
	}
	return false
}
