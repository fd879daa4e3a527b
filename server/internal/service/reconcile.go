package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/isolation"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// Reconcile aligns the engine with the store after a restart. Managed
// containers without a deployment record are torn down together with their
// network and OS user. Records marked running whose container is no longer
// running are marked stopped so the next EnsureReady restarts them; running
// ones get their stderr capture resumed.
func (s *DeploymentService) Reconcile(ctx context.Context) error {
	containers, err := s.runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list managed containers: %w", err)
	}

	records, err := s.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}
	known := make(map[string]*model.Deployment, len(records))
	for _, d := range records {
		known[d.ID] = d
	}

	for _, c := range containers {
		id := c.Labels[sandbox.LabelDeploymentID]
		if id == "" {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}

		log := s.logger.With(zap.String("deployment_id", id), zap.String("container_id", c.ID))
		log.Info("Removing orphaned container")
		if err := s.runtime.Remove(ctx, c.ID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			log.Warn("Failed to remove orphaned container", zap.Error(err))
			continue
		}
		ic := &isolation.Context{
			Username:    c.Labels[sandbox.LabelUsername],
			NetworkName: isolation.NetworkName(id),
		}
		if err := s.isolation.Release(ctx, ic); err != nil {
			log.Warn("Failed to release orphaned isolation context", zap.Error(err))
		}
	}

	for _, d := range records {
		if d.Status != model.StatusRunning || d.ContainerID == "" {
			continue
		}

		log := s.logger.With(zap.String("deployment_id", d.ID))
		c, err := s.runtime.Inspect(ctx, d.ContainerID)
		if err == nil && c.State == sandbox.StateRunning {
			s.stderr.start(d.ID, d.ContainerID)
			continue
		}

		log.Info("Container not running, marking deployment stopped", zap.Error(err))
		if err := s.store.UpdateStatus(ctx, d.ID, model.StatusStopped); err != nil {
			log.Warn("Failed to mark deployment stopped", zap.Error(err))
		}
	}

	return nil
}
