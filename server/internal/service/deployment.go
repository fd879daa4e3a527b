package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/isolation"
	"github.com/obot-platform/mcprunner/server/internal/metrics"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
	"github.com/obot-platform/mcprunner/server/internal/store"
	"github.com/obot-platform/mcprunner/server/internal/sysinfo"
)

// shutdownParallelism bounds concurrent deletes during Shutdown.
const shutdownParallelism = 8

// DeploymentService orchestrates deployment lifecycles across the store, the
// isolation provisioner and the container runtime.
type DeploymentService struct {
	store     *store.Store
	runtime   sandbox.Runtime
	isolation *isolation.Provisioner
	cfg       *config.Config
	logger    *zap.Logger

	now          func() time.Time
	hostMemoryMB int

	// locks serializes lifecycle transitions per deployment id.
	locks sync.Map

	stderr *stderrCapture
}

// NewDeploymentService creates the orchestrator.
func NewDeploymentService(s *store.Store, rt sandbox.Runtime, iso *isolation.Provisioner, cfg *config.Config, logger *zap.Logger) *DeploymentService {
	hostMemoryMB, err := sysinfo.TotalMemoryMB()
	if err != nil {
		logger.Warn("Host memory unknown, memory caps are not bounded", zap.Error(err))
		hostMemoryMB = 0
	}

	return &DeploymentService{
		store:        s,
		runtime:      rt,
		isolation:    iso,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		hostMemoryMB: hostMemoryMB,
		stderr:       newStderrCapture(s, rt, cfg.StderrLimit, logger),
	}
}

// lock holds the mutex for id. A caller that wakes on a mutex Delete has
// already dropped from the map retries on the current one.
func (s *DeploymentService) lock(id string) func() {
	for {
		v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		if cur, ok := s.locks.Load(id); ok && cur == v {
			return mu.Unlock
		}
		mu.Unlock()
	}
}

// Create provisions a deployment. On failure every resource created so far is
// removed before the error is returned.
func (s *DeploymentService) Create(ctx context.Context, req CreateRequest) (d *model.Deployment, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.DeploymentCreatesTotal.WithLabelValues(string(req.Transport.Type), result).Inc()
		metrics.DeploymentCreateDuration.Observe(time.Since(start).Seconds())
	}()

	if err := req.Validate(s.hostMemoryMB); err != nil {
		return nil, err
	}

	if err := s.ensureImage(ctx, req.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	id := model.NewDeploymentID()
	log := s.logger.With(zap.String("deployment_id", id))

	ic, err := s.isolation.Provision(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	var (
		containerID string
		persisted   bool
	)
	rollback := func(cause error) error {
		// The caller's context may already be cancelled; cleanup must still run.
		cctx := context.WithoutCancel(ctx)
		log.Warn("Rolling back deployment", zap.Error(cause))

		s.stderr.stop(id)
		if containerID != "" {
			if rmErr := s.runtime.Remove(cctx, containerID); rmErr != nil && !errors.Is(rmErr, sandbox.ErrNotFound) {
				log.Error("Failed to remove container during rollback", zap.Error(rmErr))
			}
		}
		if relErr := s.isolation.Release(cctx, ic); relErr != nil {
			log.Error("Failed to release isolation during rollback", zap.Error(relErr))
		}
		if persisted {
			if delErr := s.store.DeleteDeployment(cctx, id); delErr != nil {
				log.Error("Failed to delete record during rollback", zap.Error(delErr))
			}
		}
		return fmt.Errorf("%w: %v", ErrProvisioning, cause)
	}

	opStart := time.Now()
	containerID, err = s.runtime.Create(ctx, s.containerOptions(id, ic, &req))
	metrics.ObserveRuntimeOp("create", opStart)
	if err != nil {
		return nil, rollback(fmt.Errorf("create container: %w", err))
	}

	now := s.now().UTC()
	d = &model.Deployment{
		ID:                 id,
		ContainerID:        containerID,
		NetworkID:          ic.NetworkID,
		NetworkName:        ic.NetworkName,
		Image:              req.Image,
		Args:               req.Args,
		Env:                req.Env,
		Username:           ic.Username,
		UID:                ic.UID,
		GID:                ic.GID,
		MaxMemoryMB:        req.MaxMemoryMB,
		MaxCPUs:            req.MaxCPUs,
		Transport:          req.Transport,
		PauseAfterSeconds:  req.PauseAfterSeconds,
		DeleteAfterSeconds: req.DeleteAfterSeconds,
		Status:             model.StatusProvisioning,
		Metadata:           req.Metadata,
		CreatedAt:          now,
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	d.SetLastInteraction(now)

	if err := s.store.CreateDeployment(ctx, d); err != nil {
		return nil, rollback(err)
	}
	persisted = true

	if req.autoStart() {
		if err := s.startAndResolve(ctx, d); err != nil {
			return nil, rollback(err)
		}
	}

	log.Info("Deployment created",
		zap.String("image", d.Image),
		zap.String("transport", string(d.Transport.Type)),
		zap.String("status", string(d.Status)))

	return s.store.GetDeploymentByID(ctx, id)
}

func (s *DeploymentService) ensureImage(ctx context.Context, ref string) error {
	exists, err := s.runtime.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	start := time.Now()
	defer metrics.ObserveRuntimeOp("pull", start)
	return s.runtime.PullImage(ctx, ref)
}

func (s *DeploymentService) containerOptions(id string, ic *isolation.Context, req *CreateRequest) sandbox.CreateOptions {
	opts := sandbox.CreateOptions{
		Name:    "mcp-runner-" + id,
		Image:   req.Image,
		Cmd:     req.Args,
		Env:     req.Env,
		User:    ic.User(),
		Network: ic.NetworkName,
		Labels: map[string]string{
			sandbox.LabelDeploymentID: id,
			sandbox.LabelUsername:     ic.Username,
		},
		ExposePort: endpointPort(req.Transport),
		Security: sandbox.SecurityConfig{
			Runtime:     s.cfg.SandboxRuntime,
			SecurityOpt: s.cfg.SecurityOpts,
			CapDrop:     s.cfg.CapDrop,
			DNS:         s.cfg.DNSServers,
		},
	}
	if req.MaxMemoryMB != nil {
		opts.Resources.MemoryMB = *req.MaxMemoryMB
	}
	if req.MaxCPUs != nil {
		opts.Resources.CPUCores = *req.MaxCPUs
	}
	return opts
}

// startAndResolve starts the container, records its private IP, begins stderr
// capture and marks the deployment running.
func (s *DeploymentService) startAndResolve(ctx context.Context, d *model.Deployment) error {
	opStart := time.Now()
	err := s.runtime.Start(ctx, d.ContainerID)
	metrics.ObserveRuntimeOp("start", opStart)
	if err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	c, err := s.runtime.Inspect(ctx, d.ContainerID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	ip := c.IPOn(d.NetworkName)
	if ip == "" {
		return fmt.Errorf("container has no address on network %s", d.NetworkName)
	}

	return s.markRunning(ctx, d, ip)
}

func (s *DeploymentService) markRunning(ctx context.Context, d *model.Deployment, ip string) error {
	if err := s.store.UpdateRuntime(ctx, d.ID, d.ContainerID, ip); err != nil {
		return err
	}
	if err := s.store.UpdateStatus(ctx, d.ID, model.StatusRunning); err != nil {
		return err
	}
	d.IPAddress = ip
	d.Status = model.StatusRunning
	s.stderr.start(d.ID, d.ContainerID)
	return nil
}

// EnsureReady brings the deployment's container to running and returns the
// deployment with its resolved private IP. Safe to call repeatedly.
func (s *DeploymentService) EnsureReady(ctx context.Context, id string) (*model.Deployment, error) {
	unlock := s.lock(id)
	defer unlock()

	d, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	if d.ContainerID == "" {
		return nil, fmt.Errorf("%w: no container", ErrNotReady)
	}

	c, err := s.runtime.Inspect(ctx, d.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	restarted := false
	switch c.State {
	case sandbox.StatePaused:
		err = s.runtime.Unpause(ctx, d.ContainerID)
		restarted = true
	case sandbox.StateCreated, sandbox.StateExited:
		err = s.runtime.Start(ctx, d.ContainerID)
		restarted = true
	}
	if restarted {
		metrics.Transition("restart", err)
		if err != nil {
			return nil, fmt.Errorf("%w: restart: %v", ErrNotReady, err)
		}
		if c, err = s.runtime.Inspect(ctx, d.ContainerID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		s.logger.Info("Restarted deployment container", zap.String("deployment_id", id), zap.String("state", string(c.State)))
	}

	if c.State != sandbox.StateRunning {
		return nil, fmt.Errorf("%w: container is %s", ErrNotReady, c.State)
	}

	ip := c.IPOn(d.NetworkName)
	if ip == "" {
		return nil, fmt.Errorf("%w: no address on network %s", ErrNotReady, d.NetworkName)
	}

	if restarted || d.Status != model.StatusRunning || d.IPAddress != ip || !s.stderr.active(id) {
		if err := s.markRunning(ctx, d, ip); err != nil {
			return nil, fmt.Errorf("failed to record running state: %w", err)
		}
	}
	return d, nil
}

// Touch records activity now. Failures are logged and never returned so that
// a proxied message is not failed by bookkeeping.
func (s *DeploymentService) Touch(ctx context.Context, id string) {
	if err := s.store.TouchDeployment(ctx, id, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("Touch on unknown deployment", zap.String("deployment_id", id))
			return
		}
		s.logger.Warn("Failed to touch deployment", zap.String("deployment_id", id), zap.Error(err))
	}
}

// Pause stops the container and marks the deployment stopped. The next
// EnsureReady restarts it.
func (s *DeploymentService) Pause(ctx context.Context, id string) (err error) {
	defer func() { metrics.Transition("pause", err) }()

	unlock := s.lock(id)
	defer unlock()

	d, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	s.stderr.stop(id)
	if d.ContainerID != "" {
		opStart := time.Now()
		err := s.runtime.Stop(ctx, d.ContainerID, s.cfg.StopTimeout)
		metrics.ObserveRuntimeOp("stop", opStart)
		if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			// EnsureReady inspects the container, so a stale status is not trusted.
			s.logger.Warn("Failed to stop container on pause",
				zap.String("deployment_id", id),
				zap.String("container_id", d.ContainerID),
				zap.Error(err))
		}
	}

	if err := s.store.UpdateStatus(ctx, id, model.StatusStopped); err != nil {
		return fmt.Errorf("failed to mark deployment stopped: %w", err)
	}

	s.logger.Info("Deployment paused", zap.String("deployment_id", id))
	return nil
}

// Delete tears the deployment down: stop, remove container, remove network,
// delete the OS user, delete the record. Each step is best-effort; the record
// is only removed once. Deleting an unknown id is not an error.
func (s *DeploymentService) Delete(ctx context.Context, id string, graceful bool) (err error) {
	defer func() { metrics.Transition("delete", err) }()

	unlock := s.lock(id)
	defer func() {
		s.locks.Delete(id)
		unlock()
	}()

	d, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("Delete on unknown deployment", zap.String("deployment_id", id))
			return nil
		}
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	log := s.logger.With(zap.String("deployment_id", id))
	s.stderr.stop(id)

	if d.ContainerID != "" {
		var stopErr error
		opStart := time.Now()
		if graceful {
			stopErr = s.runtime.Stop(ctx, d.ContainerID, s.cfg.StopTimeout)
		} else {
			stopErr = s.runtime.Kill(ctx, d.ContainerID)
		}
		metrics.ObserveRuntimeOp("stop", opStart)
		if stopErr != nil && !errors.Is(stopErr, sandbox.ErrNotFound) {
			log.Warn("Failed to stop container", zap.Bool("graceful", graceful), zap.Error(stopErr))
		}

		if rmErr := s.runtime.Remove(ctx, d.ContainerID); rmErr != nil && !errors.Is(rmErr, sandbox.ErrNotFound) {
			log.Warn("Failed to remove container", zap.Error(rmErr))
		}
	}

	ic := &isolation.Context{
		Username:    d.Username,
		NetworkID:   d.NetworkID,
		NetworkName: d.NetworkName,
	}
	if relErr := s.isolation.Release(ctx, ic); relErr != nil {
		log.Warn("Failed to release isolation context", zap.Error(relErr))
	}

	if err := s.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}

	log.Info("Deployment deleted", zap.Bool("graceful", graceful))
	return nil
}

// Get returns the deployment record.
func (s *DeploymentService) Get(ctx context.Context, id string) (*model.Deployment, error) {
	d, err := s.store.GetDeploymentByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// List returns all deployment records and refreshes the per-status gauge.
func (s *DeploymentService) List(ctx context.Context) ([]*model.Deployment, error) {
	ds, err := s.store.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}

	counts := map[model.DeploymentStatus]float64{
		model.StatusProvisioning: 0,
		model.StatusRunning:      0,
		model.StatusStopped:      0,
	}
	for _, d := range ds {
		counts[d.Status]++
	}
	for status, n := range counts {
		metrics.DeploymentsActive.WithLabelValues(string(status)).Set(n)
	}
	return ds, nil
}

// ListDueForDeletion returns deployments whose delete deadline has passed.
func (s *DeploymentService) ListDueForDeletion(ctx context.Context) ([]*model.Deployment, error) {
	return s.store.ListDueForDeletion(ctx, s.now())
}

// ListDueForPause returns running deployments whose pause deadline has passed.
func (s *DeploymentService) ListDueForPause(ctx context.Context) ([]*model.Deployment, error) {
	return s.store.ListDueForPause(ctx, s.now())
}

// Stderr returns the captured stderr of a deployment.
func (s *DeploymentService) Stderr(ctx context.Context, id string) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Stderr, nil
}

// SubscribeStderr streams stderr chunks captured from now on. The returned
// func unsubscribes and closes the channel.
func (s *DeploymentService) SubscribeStderr(id string) (<-chan string, func()) {
	return s.stderr.subscribe(id)
}

// Shutdown stops stderr capture and, when cleanup on shutdown is enabled,
// deletes every deployment. graceful selects stop-with-timeout over kill.
func (s *DeploymentService) Shutdown(ctx context.Context, graceful bool) error {
	defer s.stderr.stopAll()

	if !s.cfg.CleanupOnShutdown {
		s.logger.Info("Leaving deployments in place on shutdown")
		return nil
	}

	ds, err := s.store.ListDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list deployments for cleanup: %w", err)
	}

	s.logger.Info("Cleaning up deployments", zap.Int("count", len(ds)), zap.Bool("graceful", graceful))

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	for _, d := range ds {
		id := d.ID
		g.Go(func() error {
			if err := s.Delete(ctx, id, graceful); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
