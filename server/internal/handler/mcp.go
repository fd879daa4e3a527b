package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/proxy"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

// openTimeout bounds connecting to a deployment's underlying server.
const openTimeout = 30 * time.Second

// readyDeployment brings the deployment up and writes the JSON-RPC error when
// it cannot.
func (h *Handler) readyDeployment(w http.ResponseWriter, r *http.Request, id string) (*model.Deployment, bool) {
	d, err := h.deployments.EnsureReady(r.Context(), id)
	switch {
	case err == nil:
		return d, true
	case errors.Is(err, service.ErrNotFound):
		h.rpcError(w, http.StatusBadRequest, mcp.CodeDeploymentUnavailable, "Deployment not found")
	case errors.Is(err, service.ErrNotReady):
		h.rpcError(w, http.StatusBadRequest, mcp.CodeDeploymentUnavailable, "Deployment not ready")
	default:
		h.logger.Error("Failed to prepare deployment", zap.String("deployment_id", id), zap.Error(err))
		h.rpcError(w, http.StatusBadRequest, mcp.CodeDeploymentUnavailable, "Deployment not ready")
	}
	return nil, false
}

// openSession connects to the deployment's underlying server and wires it to
// external. The session is registered with reg but not yet running.
func (h *Handler) openSession(r *http.Request, reg *proxy.Registry, d *model.Deployment, id string, external mcp.Transport) (*proxy.Session, error) {
	// The internal transport outlives the request that opens it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), openTimeout)
	defer cancel()

	internal, err := h.clients.Open(ctx, d, d.IPAddress, r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	sess := proxy.NewSession(proxy.SessionOptions{
		ID:           id,
		DeploymentID: d.ID,
		External:     external,
		Internal:     internal,
		ExternalKind: reg.Kind(),
		InternalKind: string(d.Transport.Type),
		Toucher:      h.deployments,
		Logger:       h.logger,
	})
	reg.Add(sess)
	return sess, nil
}

// lookupSession returns the open session with id that belongs to deploymentID.
func lookupSession(reg *proxy.Registry, id, deploymentID string) (*proxy.Session, error) {
	sess, err := reg.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.DeploymentID != deploymentID {
		return nil, proxy.ErrInvalidSession
	}
	return sess, nil
}

func (h *Handler) invalidSession(w http.ResponseWriter) {
	h.rpcError(w, http.StatusBadRequest, mcp.CodeNoValidSession, "Bad Request: No valid session ID provided")
}

func (h *Handler) invalidMessage(w http.ResponseWriter, err error) {
	h.rpcError(w, http.StatusBadRequest, mcp.CodeInvalidRequest, "Invalid Request: "+err.Error())
}
