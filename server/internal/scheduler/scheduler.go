// Package scheduler drives idle deployments through pause and delete.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/metrics"
	"github.com/obot-platform/mcprunner/server/internal/model"
)

// Lifecycle is the subset of the orchestrator the scheduler drives.
type Lifecycle interface {
	ListDueForDeletion(ctx context.Context) ([]*model.Deployment, error)
	ListDueForPause(ctx context.Context) ([]*model.Deployment, error)
	Delete(ctx context.Context, id string, graceful bool) error
	Pause(ctx context.Context, id string) error
	Touch(ctx context.Context, id string)
}

// ActiveSessions reports deployments with a currently connected client.
type ActiveSessions interface {
	ActiveDeployments() []string
}

// Scheduler runs the delete and pause sweeps on a fixed interval. Each sweep
// is guarded so a tick that overlaps a still-running sweep skips it. A
// deployment whose pause or delete failed is skipped for the lifetime of the
// process.
type Scheduler struct {
	lifecycle Lifecycle
	sessions  []ActiveSessions
	interval  time.Duration
	logger    *zap.Logger

	deleting atomic.Bool
	pausing  atomic.Bool

	mu            sync.Mutex
	failedDeletes map[string]struct{}
	failedPauses  map[string]struct{}

	sweeps sync.WaitGroup
	stop   chan struct{}
	done   chan struct{}
}

// New creates a scheduler. sessions are consulted every tick to keep
// deployments with connected clients from idling out.
func New(lifecycle Lifecycle, interval time.Duration, logger *zap.Logger, sessions ...ActiveSessions) *Scheduler {
	return &Scheduler{
		lifecycle:     lifecycle,
		sessions:      sessions,
		interval:      interval,
		logger:        logger,
		failedDeletes: make(map[string]struct{}),
		failedPauses:  make(map[string]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the periodic loop.
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
}

// Stop signals the loop to exit and waits for in-flight sweeps.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.sweeps.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	s.keepAlive(ctx)

	s.sweeps.Add(2)
	go func() {
		defer s.sweeps.Done()
		s.SweepDeletes(ctx)
	}()
	go func() {
		defer s.sweeps.Done()
		s.SweepPauses(ctx)
	}()
}

// keepAlive touches every deployment that has a connected client stream.
func (s *Scheduler) keepAlive(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, src := range s.sessions {
		for _, id := range src.ActiveDeployments() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			s.lifecycle.Touch(ctx, id)
		}
	}
}

// SweepDeletes deletes every deployment whose delete deadline has passed.
// It returns false without doing anything when a delete sweep is already
// running.
func (s *Scheduler) SweepDeletes(ctx context.Context) bool {
	if !s.deleting.CompareAndSwap(false, true) {
		return false
	}
	defer s.deleting.Store(false)

	start := time.Now()
	defer func() {
		metrics.SchedulerSweepDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	due, err := s.lifecycle.ListDueForDeletion(ctx)
	if err != nil {
		s.logger.Error("Failed to list deployments due for deletion", zap.Error(err))
		return true
	}

	for _, d := range due {
		if s.failed(s.failedDeletes, d.ID) {
			continue
		}
		s.logger.Info("Deleting idle deployment", zap.String("deployment_id", d.ID))
		if err := s.lifecycle.Delete(ctx, d.ID, true); err != nil {
			s.logger.Error("Failed to delete idle deployment, skipping it from now on",
				zap.String("deployment_id", d.ID), zap.Error(err))
			s.markFailed(s.failedDeletes, d.ID)
		}
	}
	return true
}

// SweepPauses stops every running deployment whose pause deadline has
// passed. It returns false when a pause sweep is already running.
func (s *Scheduler) SweepPauses(ctx context.Context) bool {
	if !s.pausing.CompareAndSwap(false, true) {
		return false
	}
	defer s.pausing.Store(false)

	start := time.Now()
	defer func() {
		metrics.SchedulerSweepDuration.WithLabelValues("pause").Observe(time.Since(start).Seconds())
	}()

	due, err := s.lifecycle.ListDueForPause(ctx)
	if err != nil {
		s.logger.Error("Failed to list deployments due for pause", zap.Error(err))
		return true
	}

	for _, d := range due {
		if s.failed(s.failedPauses, d.ID) {
			continue
		}
		s.logger.Info("Pausing idle deployment", zap.String("deployment_id", d.ID))
		if err := s.lifecycle.Pause(ctx, d.ID); err != nil {
			s.logger.Error("Failed to pause idle deployment, skipping it from now on",
				zap.String("deployment_id", d.ID), zap.Error(err))
			s.markFailed(s.failedPauses, d.ID)
		}
	}
	return true
}

func (s *Scheduler) failed(set map[string]struct{}, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := set[id]
	return ok
}

func (s *Scheduler) markFailed(set map[string]struct{}, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set[id] = struct{}{}
}
