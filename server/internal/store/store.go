// Package store persists deployments. It holds no business rules beyond keeping
// the sliding idle deadlines consistent with last_interaction_at.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/obot-platform/mcprunner/server/internal/model"
)

// ErrNotFound is returned when a deployment does not exist.
var ErrNotFound = errors.New("deployment not found")

// StderrTruncatedMarker prefixes a stderr buffer whose head was discarded.
const StderrTruncatedMarker = "[... truncated ...]\n"

// Store is the deployment repository.
type Store struct {
	db *gorm.DB
}

// New creates a store on top of an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateDeployment inserts a new deployment record.
func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// GetDeploymentByID returns the deployment with the given id.
func (s *Store) GetDeploymentByID(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

// ListDeployments returns every deployment, oldest first.
func (s *Store) ListDeployments(ctx context.Context) ([]*model.Deployment, error) {
	var out []*model.Deployment
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return out, nil
}

// UpdateRuntime records the container handle and resolved private IP.
func (s *Store) UpdateRuntime(ctx context.Context, id, containerID, ipAddress string) error {
	return s.update(ctx, id, map[string]any{
		"container_id": containerID,
		"ip_address":   ipAddress,
	})
}

// UpdateStatus sets the lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.DeploymentStatus) error {
	return s.update(ctx, id, map[string]any{"status": status})
}

// TouchDeployment sets last_interaction_at to at and recomputes pause_at and
// delete_at in the same transaction.
func (s *Store) TouchDeployment(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d model.Deployment
		if err := tx.Select("id", "pause_after_seconds", "delete_after_seconds").
			First(&d, "id = ?", id).Error; err != nil {
			return translate(err)
		}

		d.SetLastInteraction(at)

		return tx.Model(&model.Deployment{}).Where("id = ?", id).Updates(map[string]any{
			"last_interaction_at": d.LastInteractionAt,
			"pause_at":            d.PauseAt,
			"delete_at":           d.DeleteAt,
		}).Error
	})
}

// ListDueForDeletion returns deployments whose delete_at is at or before now.
func (s *Store) ListDueForDeletion(ctx context.Context, now time.Time) ([]*model.Deployment, error) {
	var out []*model.Deployment
	err := s.db.WithContext(ctx).
		Where("delete_at IS NOT NULL AND delete_at <= ?", now.UTC()).
		Order("delete_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments due for deletion: %w", err)
	}
	return out, nil
}

// ListDueForPause returns running deployments whose pause_at is at or before now.
func (s *Store) ListDueForPause(ctx context.Context, now time.Time) ([]*model.Deployment, error) {
	var out []*model.Deployment
	err := s.db.WithContext(ctx).
		Where("status = ? AND pause_at IS NOT NULL AND pause_at <= ?", model.StatusRunning, now.UTC()).
		Order("pause_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments due for pause: %w", err)
	}
	return out, nil
}

// AppendStderr appends chunk to the captured stderr. When limit is positive
// only the last limit bytes are kept, behind StderrTruncatedMarker.
func (s *Store) AppendStderr(ctx context.Context, id, chunk string, limit int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d model.Deployment
		if err := tx.Select("id", "stderr").First(&d, "id = ?", id).Error; err != nil {
			return translate(err)
		}

		return tx.Model(&model.Deployment{}).Where("id = ?", id).
			Update("stderr", appendBounded(d.Stderr, chunk, limit)).Error
	})
}

func appendBounded(current, chunk string, limit int) string {
	truncated := strings.HasPrefix(current, StderrTruncatedMarker)
	body := strings.TrimPrefix(current, StderrTruncatedMarker) + chunk
	if limit > 0 && len(body) > limit {
		cut := len(body) - limit
		for cut < len(body) && !utf8.RuneStart(body[cut]) {
			cut++
		}
		body = body[cut:]
		truncated = true
	}
	if truncated {
		return StderrTruncatedMarker + body
	}
	return body
}

// DeleteDeployment removes the record. Deleting a missing record is not an error.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&model.Deployment{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&model.Deployment{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update deployment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
