package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

const DeploymentKey contextKey = "deployment"

// DeploymentGetter looks a deployment up by id.
type DeploymentGetter interface {
	Get(ctx context.Context, id string) (*model.Deployment, error)
}

// DeploymentExists loads the deployment named by the {deploymentId} URL
// parameter and stores it in the request context. Unknown ids get 404.
//
// Must be mounted inside a route that defines {deploymentId}, e.g.:
//
//	r.Route("/{deploymentId}", func(r chi.Router) {
//	    r.Use(middleware.DeploymentExists(svc))
//	    ...
//	})
func DeploymentExists(s DeploymentGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "deploymentId")
			if id == "" {
				http.Error(w, `{"error":"Deployment ID required"}`, http.StatusBadRequest)
				return
			}

			d, err := s.Get(r.Context(), id)
			if errors.Is(err, service.ErrNotFound) {
				http.Error(w, `{"error":"Deployment not found"}`, http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"Failed to load deployment"}`, http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), DeploymentKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetDeployment extracts the deployment from context (set by DeploymentExists).
func GetDeployment(ctx context.Context) *model.Deployment {
	if d, ok := ctx.Value(DeploymentKey).(*model.Deployment); ok {
		return d
	}
	return nil
}
