// Package handler implements the runner's HTTP surface: the deployment
// management API, the external MCP endpoints and health.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/proxy"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

// maxBodyBytes caps management and MCP request bodies.
const maxBodyBytes = 4 << 20

// Deployments is the part of the orchestrator the handlers use.
type Deployments interface {
	Create(ctx context.Context, req service.CreateRequest) (*model.Deployment, error)
	Get(ctx context.Context, id string) (*model.Deployment, error)
	List(ctx context.Context) ([]*model.Deployment, error)
	Delete(ctx context.Context, id string, graceful bool) error
	EnsureReady(ctx context.Context, id string) (*model.Deployment, error)
	Touch(ctx context.Context, id string)
	Stderr(ctx context.Context, id string) (string, error)
	SubscribeStderr(id string) (<-chan string, func())
}

// ClientOpener opens the internal transport of a ready deployment.
type ClientOpener interface {
	Open(ctx context.Context, d *model.Deployment, ip, authorization string) (mcp.Transport, error)
}

// HealthCheck is one dependency checked by GET /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler holds the dependencies of every route.
type Handler struct {
	deployments Deployments
	clients     ClientOpener
	sse         *proxy.Registry
	streamable  *proxy.Registry
	cfg         *config.Config
	logger      *zap.Logger

	upgrader websocket.Upgrader
	checks   []HealthCheck
}

// New creates a Handler. sse and streamable hold the sessions of the two
// external transport kinds.
func New(deployments Deployments, clients ClientOpener, sse, streamable *proxy.Registry, cfg *config.Config, logger *zap.Logger, checks ...HealthCheck) *Handler {
	h := &Handler{
		deployments: deployments,
		clients:     clients,
		sse:         sse,
		streamable:  streamable,
		cfg:         cfg,
		logger:      logger,
		checks:      checks,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.CORSAllowedOrigins, "*") || slices.Contains(h.cfg.CORSAllowedOrigins, origin)
}

// JSON writes v with the given status.
func (h *Handler) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", zap.Error(err))
	}
}

// Error writes {"error": message}.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// rpcError writes a JSON-RPC error response with a null id.
func (h *Handler) rpcError(w http.ResponseWriter, status, code int, message string) {
	h.JSON(w, status, mcp.NewErrorResponse(nil, code, message))
}
