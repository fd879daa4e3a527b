package service

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/sandbox"
	"github.com/obot-platform/mcprunner/server/internal/store"
)

const (
	stderrReadSize   = 4096
	subscriberBuffer = 64
)

// stderrCapture follows container stderr into the store and fans chunks out to
// live subscribers. At most one capture runs per deployment.
type stderrCapture struct {
	store   *store.Store
	runtime sandbox.Runtime
	limit   int
	logger  *zap.Logger

	mu       sync.Mutex
	captures map[string]*capture
	subs     map[string]map[chan string]struct{}
	wg       sync.WaitGroup
}

type capture struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newStderrCapture(s *store.Store, rt sandbox.Runtime, limit int, logger *zap.Logger) *stderrCapture {
	return &stderrCapture{
		store:    s,
		runtime:  rt,
		limit:    limit,
		logger:   logger,
		captures: make(map[string]*capture),
		subs:     make(map[string]map[chan string]struct{}),
	}
}

func (c *stderrCapture) active(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.captures[id]
	if !ok {
		return false
	}
	select {
	case <-cp.done:
		return false
	default:
		return true
	}
}

// start replaces any running capture for id with one following containerID.
func (c *stderrCapture) start(id, containerID string) {
	c.stop(id)

	ctx, cancel := context.WithCancel(context.Background())
	cp := &capture{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.captures[id] = cp
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(cp.done)
		c.follow(ctx, id, containerID)
	}()
}

func (c *stderrCapture) follow(ctx context.Context, id, containerID string) {
	log := c.logger.With(zap.String("deployment_id", id))

	rc, err := c.runtime.AttachStderr(ctx, containerID)
	if err != nil {
		log.Warn("Failed to attach to container stderr", zap.Error(err))
		return
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
		}
		rc.Close()
	}()

	buf := make([]byte, stderrReadSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			if appendErr := c.store.AppendStderr(context.Background(), id, chunk, c.limit); appendErr != nil {
				if errors.Is(appendErr, store.ErrNotFound) {
					return
				}
				log.Warn("Failed to store stderr", zap.Error(appendErr))
			}
			c.publish(id, chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("Stderr stream ended", zap.Error(err))
			}
			return
		}
	}
}

func (c *stderrCapture) stop(id string) {
	c.mu.Lock()
	cp, ok := c.captures[id]
	delete(c.captures, id)
	c.mu.Unlock()

	if ok {
		cp.cancel()
		<-cp.done
	}
}

func (c *stderrCapture) stopAll() {
	c.mu.Lock()
	all := c.captures
	c.captures = make(map[string]*capture)
	c.mu.Unlock()

	for _, cp := range all {
		cp.cancel()
	}
	c.wg.Wait()
}

func (c *stderrCapture) subscribe(id string) (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)

	c.mu.Lock()
	if c.subs[id] == nil {
		c.subs[id] = make(map[chan string]struct{})
	}
	c.subs[id][ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[id], ch)
			if len(c.subs[id]) == 0 {
				delete(c.subs, id)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; slow subscribers miss chunks.
func (c *stderrCapture) publish(id, chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs[id] {
		select {
		case ch <- chunk:
		default:
		}
	}
}
