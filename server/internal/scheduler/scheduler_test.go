package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/model"
)

type fakeLifecycle struct {
	mu sync.Mutex

	dueDelete []*model.Deployment
	duePause  []*model.Deployment

	deleted []string
	paused  []string
	touched []string

	DeleteFunc func(id string) error
	PauseFunc  func(id string) error

	// block, when set, is received from inside ListDueForDeletion.
	block chan struct{}
}

func (f *fakeLifecycle) ListDueForDeletion(ctx context.Context) ([]*model.Deployment, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueDelete, nil
}

func (f *fakeLifecycle) ListDueForPause(ctx context.Context) ([]*model.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duePause, nil
}

func (f *fakeLifecycle) Delete(ctx context.Context, id string, graceful bool) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	fn := f.DeleteFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return nil
}

func (f *fakeLifecycle) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	f.paused = append(f.paused, id)
	fn := f.PauseFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return nil
}

func (f *fakeLifecycle) Touch(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
}

func (f *fakeLifecycle) snapshot() (deleted, paused, touched []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...), append([]string(nil), f.paused...), append([]string(nil), f.touched...)
}

type staticSessions []string

func (s staticSessions) ActiveDeployments() []string { return s }

func deployments(ids ...string) []*model.Deployment {
	out := make([]*model.Deployment, len(ids))
	for i, id := range ids {
		out[i] = &model.Deployment{ID: id}
	}
	return out
}

func TestSweepDeletesSkipsRememberedFailures(t *testing.T) {
	lc := &fakeLifecycle{dueDelete: deployments("dp_ok", "dp_broken")}
	lc.DeleteFunc = func(id string) error {
		if id == "dp_broken" {
			return errors.New("container stuck")
		}
		return nil
	}
	s := New(lc, time.Second, zap.NewNop())
	ctx := context.Background()

	s.SweepDeletes(ctx)
	s.SweepDeletes(ctx)

	deleted, _, _ := lc.snapshot()
	want := []string{"dp_ok", "dp_broken", "dp_ok"}
	if !reflect.DeepEqual(deleted, want) {
		t.Errorf("deleted = %v, want %v", deleted, want)
	}
}

func TestSweepPausesSkipsRememberedFailures(t *testing.T) {
	lc := &fakeLifecycle{duePause: deployments("dp_a", "dp_b")}
	lc.PauseFunc = func(id string) error {
		if id == "dp_a" {
			return errors.New("stop timed out")
		}
		return nil
	}
	s := New(lc, time.Second, zap.NewNop())
	ctx := context.Background()

	s.SweepPauses(ctx)
	s.SweepPauses(ctx)

	_, paused, _ := lc.snapshot()
	want := []string{"dp_a", "dp_b", "dp_b"}
	if !reflect.DeepEqual(paused, want) {
		t.Errorf("paused = %v, want %v", paused, want)
	}
}

func TestPauseFailureDoesNotBlockDelete(t *testing.T) {
	lc := &fakeLifecycle{
		duePause:  deployments("dp_x"),
		dueDelete: deployments("dp_x"),
	}
	lc.PauseFunc = func(id string) error { return errors.New("boom") }
	s := New(lc, time.Second, zap.NewNop())
	ctx := context.Background()

	s.SweepPauses(ctx)
	s.SweepDeletes(ctx)

	deleted, _, _ := lc.snapshot()
	if !reflect.DeepEqual(deleted, []string{"dp_x"}) {
		t.Errorf("deleted = %v, want [dp_x]", deleted)
	}
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	lc := &fakeLifecycle{dueDelete: deployments("dp_slow"), block: make(chan struct{})}
	s := New(lc, time.Second, zap.NewNop())
	ctx := context.Background()

	first := make(chan bool)
	go func() { first <- s.SweepDeletes(ctx) }()

	// Wait until the first sweep holds the guard.
	deadline := time.Now().Add(2 * time.Second)
	for !s.deleting.Load() {
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	if s.SweepDeletes(ctx) {
		t.Error("overlapping sweep ran, want skipped")
	}
	// The pause sweep has its own guard.
	if !s.SweepPauses(ctx) {
		t.Error("pause sweep skipped while delete sweep running")
	}

	close(lc.block)
	if !<-first {
		t.Error("first sweep reported skipped")
	}

	deleted, _, _ := lc.snapshot()
	if len(deleted) != 1 {
		t.Errorf("deleted = %v, want exactly one delete", deleted)
	}
}

func TestKeepAliveTouchesConnectedDeployments(t *testing.T) {
	lc := &fakeLifecycle{}
	s := New(lc, time.Second, zap.NewNop(),
		staticSessions{"dp_a", "dp_b"},
		staticSessions{"dp_b", "dp_c"},
	)

	s.keepAlive(context.Background())

	_, _, touched := lc.snapshot()
	sort.Strings(touched)
	if want := []string{"dp_a", "dp_b", "dp_c"}; !reflect.DeepEqual(touched, want) {
		t.Errorf("touched = %v, want %v", touched, want)
	}
}

func TestStartStop(t *testing.T) {
	lc := &fakeLifecycle{dueDelete: deployments("dp_idle")}
	s := New(lc, 10*time.Millisecond, zap.NewNop())
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for {
		deleted, _, _ := lc.snapshot()
		if len(deleted) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
}
