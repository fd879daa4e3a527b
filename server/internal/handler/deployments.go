package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/middleware"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

// CreateDeploymentResponse is returned by CreateDeployment.
type CreateDeploymentResponse struct {
	Deployment *model.Deployment `json:"deployment"`
	Message    string            `json:"message"`
}

// GetDeploymentResponse is returned by GetDeployment.
type GetDeploymentResponse struct {
	Deployment *model.Deployment `json:"deployment"`
}

// MessageResponse carries a human-readable result.
type MessageResponse struct {
	Message string `json:"message"`
}

// CreateDeployment provisions a new deployment.
// POST /api/deployment
func (h *Handler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req service.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	d, err := h.deployments.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			h.Error(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Failed to create deployment", zap.String("image", req.Image), zap.Error(err))
			h.Error(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.JSON(w, http.StatusCreated, CreateDeploymentResponse{
		Deployment: d,
		Message:    "Deployment created successfully",
	})
}

// ListDeployments returns every deployment.
// GET /api/deployment
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.deployments.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list deployments", zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Failed to list deployments")
		return
	}
	if deployments == nil {
		deployments = []*model.Deployment{}
	}
	h.JSON(w, http.StatusOK, deployments)
}

// GetDeployment returns one deployment.
// GET /api/deployment/{deploymentId}
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, GetDeploymentResponse{Deployment: middleware.GetDeployment(r.Context())})
}

// DeleteDeployment closes the deployment's sessions and tears it down.
// DELETE /api/deployment/{deploymentId}
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	d := middleware.GetDeployment(r.Context())

	h.sse.CloseDeployment(d.ID)
	h.streamable.CloseDeployment(d.ID)

	if err := h.deployments.Delete(r.Context(), d.ID, true); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Deployment not found")
			return
		}
		h.logger.Error("Failed to delete deployment", zap.String("deployment_id", d.ID), zap.Error(err))
		h.Error(w, http.StatusInternalServerError, "Failed to delete deployment")
		return
	}

	h.JSON(w, http.StatusOK, MessageResponse{Message: "Deployment deleted successfully"})
}
