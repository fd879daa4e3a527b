package handler

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/sse"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

// SSEConnect opens an SSE session to the deployment. The stream stays open
// until the client disconnects or the underlying server goes away.
// GET /mcp-server/{deploymentId}/sse
func (h *Handler) SSEConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentId")

	d, ok := h.readyDeployment(w, r, id)
	if !ok {
		return
	}

	external, err := sse.NewServer(w, "/mcp-server/"+url.PathEscape(id)+"/sse/messages", h.logger)
	if err != nil {
		h.rpcError(w, http.StatusInternalServerError, mcp.CodeInternalError, err.Error())
		return
	}

	sess, err := h.openSession(r, h.sse, d, external.SessionID(), external)
	if err != nil {
		h.logger.Warn("Failed to connect to MCP server", zap.String("deployment_id", id), zap.Error(err))
		h.rpcError(w, http.StatusBadRequest, mcp.CodeDeploymentUnavailable, "Failed to connect to MCP server")
		return
	}
	defer sess.Close()

	release := h.sse.Connect(sess.ID)
	defer release()

	if err := external.Start(r.Context()); err != nil {
		h.logger.Debug("Failed to announce SSE endpoint", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	sess.Run()

	select {
	case <-r.Context().Done():
	case <-sess.Done():
	}
}

// SSEMessage accepts a client message for an open SSE session.
// POST /mcp-server/{deploymentId}/sse/messages?sessionId=...
func (h *Handler) SSEMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentId")

	if _, err := h.deployments.Get(r.Context(), id); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.rpcError(w, http.StatusNotFound, mcp.CodeDeploymentUnavailable, "Deployment not found")
			return
		}
		h.logger.Error("Failed to load deployment", zap.String("deployment_id", id), zap.Error(err))
		h.rpcError(w, http.StatusInternalServerError, mcp.CodeInternalError, "Failed to load deployment")
		return
	}

	sess, err := lookupSession(h.sse, r.URL.Query().Get("sessionId"), id)
	if err != nil {
		h.invalidSession(w)
		return
	}
	external, ok := sess.External().(*sse.Server)
	if !ok {
		h.invalidSession(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.invalidMessage(w, err)
		return
	}

	if err := external.HandleMessage(body); err != nil {
		if errors.Is(err, mcp.ErrTransportClosed) {
			h.invalidSession(w)
			return
		}
		h.invalidMessage(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Accepted"))
}
