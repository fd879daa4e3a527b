package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/database"
	"github.com/obot-platform/mcprunner/server/internal/isolation"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
	"github.com/obot-platform/mcprunner/server/internal/sandbox/mock"
	"github.com/obot-platform/mcprunner/server/internal/store"
)

const testImage = "ghcr.io/example/mcp-time:latest"

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]bool
}

func (f *fakeUsers) Create(ctx context.Context, username string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[username] = true
	return 990, 990, nil
}

func (f *fakeUsers) Delete(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.users[username] {
		return isolation.ErrUserNotFound
	}
	delete(f.users, username)
	return nil
}

func (f *fakeUsers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

type testEnv struct {
	svc   *DeploymentService
	rt    *mock.Provider
	users *fakeUsers
	store *store.Store
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseDriver = "sqlite"
	cfg.DatabaseDSN = "sqlite3://" + filepath.Join(t.TempDir(), "service.db")

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	st := store.New(db.DB)
	rt := mock.NewProvider()
	users := &fakeUsers{users: make(map[string]bool)}
	iso := isolation.NewProvisioner(users, rt, cfg.NetworkMTU, zap.NewNop())

	svc := NewDeploymentService(st, rt, iso, cfg, zap.NewNop())
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	t.Cleanup(func() { svc.stderr.stopAll() })

	return &testEnv{svc: svc, rt: rt, users: users, store: st, clock: clock}
}

func intPtr(v int) *int { return &v }

func stdioRequest() CreateRequest {
	return CreateRequest{
		Image:     testImage,
		Transport: model.Transport{Type: model.TransportStdio},
	}
}

func TestCreateRequestValidate(t *testing.T) {
	cpus := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		mutate  func(r *CreateRequest)
		wantErr string
	}{
		{name: "valid stdio", mutate: func(r *CreateRequest) {}},
		{name: "missing image", mutate: func(r *CreateRequest) { r.Image = "" }, wantErr: "image is required"},
		{name: "bad image reference", mutate: func(r *CreateRequest) { r.Image = "UPPER/Case::bad" }, wantErr: "invalid image reference"},
		{name: "memory too small", mutate: func(r *CreateRequest) { r.MaxMemoryMB = intPtr(0) }, wantErr: "maxMemory"},
		{name: "memory above host", mutate: func(r *CreateRequest) { r.MaxMemoryMB = intPtr(4096) }, wantErr: "exceeds host memory"},
		{name: "cpus too small", mutate: func(r *CreateRequest) { r.MaxCPUs = cpus(0.05) }, wantErr: "maxCpus"},
		{name: "pause too short", mutate: func(r *CreateRequest) { r.PauseAfterSeconds = intPtr(10) }, wantErr: "pauseAfterSeconds"},
		{name: "delete too short", mutate: func(r *CreateRequest) { r.DeleteAfterSeconds = intPtr(29) }, wantErr: "deleteAfterSeconds"},
		{
			name: "delete shorter than pause is allowed",
			mutate: func(r *CreateRequest) {
				r.PauseAfterSeconds = intPtr(600)
				r.DeleteAfterSeconds = intPtr(60)
			},
		},
		{
			name:    "sse without endpoint",
			mutate:  func(r *CreateRequest) { r.Transport = model.Transport{Type: model.TransportSSE} },
			wantErr: "requires an endpoint",
		},
		{
			name: "streamable with endpoint",
			mutate: func(r *CreateRequest) {
				r.Transport = model.Transport{Type: model.TransportStreamableHTTP, Endpoint: "http://localhost:8080/mcp"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := stdioRequest()
			tt.mutate(&req)
			err := req.Validate(2048)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error %v is not ErrInvalidRequest", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCreateAutoStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := stdioRequest()
	req.Env = map[string]string{"TZ": "UTC"}
	d, err := env.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if !strings.HasPrefix(d.ID, "dp_") {
		t.Errorf("ID = %q, want dp_ prefix", d.ID)
	}
	if d.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", d.Status)
	}
	if d.IPAddress == "" {
		t.Error("IPAddress is empty")
	}
	if d.NetworkName != isolation.NetworkName(d.ID) {
		t.Errorf("NetworkName = %q", d.NetworkName)
	}
	if d.UID != 990 || d.GID != 990 {
		t.Errorf("uid:gid = %d:%d, want 990:990", d.UID, d.GID)
	}

	calls := env.rt.CallLog()
	if len(calls) == 0 || calls[0] != "pull" {
		t.Errorf("calls = %v, want pull first", calls)
	}

	c := env.rt.Containers()[d.ContainerID]
	if c == nil {
		t.Fatal("container not created")
	}
	if c.Labels[sandbox.LabelDeploymentID] != d.ID {
		t.Errorf("container label = %q, want %q", c.Labels[sandbox.LabelDeploymentID], d.ID)
	}
	if c.State != sandbox.StateRunning {
		t.Errorf("container state = %q, want running", c.State)
	}
}

func TestCreateWithoutAutoStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.rt.AddImage(testImage)

	req := stdioRequest()
	off := false
	req.AutoStart = &off
	d, err := env.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if d.Status != model.StatusProvisioning {
		t.Errorf("Status = %q, want provisioning", d.Status)
	}
	for _, call := range env.rt.CallLog() {
		if call == "pull" || call == "start" {
			t.Errorf("unexpected runtime call %q", call)
		}
	}

	ready, err := env.svc.EnsureReady(ctx, d.ID)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if ready.Status != model.StatusRunning || ready.IPAddress == "" {
		t.Errorf("ready = (%q, %q), want running with an address", ready.Status, ready.IPAddress)
	}
}

func TestCreateTimers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.clock.Now()

	req := stdioRequest()
	req.PauseAfterSeconds = intPtr(30)
	req.DeleteAfterSeconds = intPtr(60)
	d, err := env.svc.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if d.PauseAt == nil || !d.PauseAt.Equal(created.Add(30*time.Second)) {
		t.Errorf("PauseAt = %v, want %v", d.PauseAt, created.Add(30*time.Second))
	}
	if d.DeleteAt == nil || !d.DeleteAt.Equal(created.Add(60*time.Second)) {
		t.Errorf("DeleteAt = %v, want %v", d.DeleteAt, created.Add(60*time.Second))
	}

	env.clock.Advance(20 * time.Second)
	env.svc.Touch(ctx, d.ID)

	got, err := env.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want := created.Add(50 * time.Second); got.PauseAt == nil || !got.PauseAt.Equal(want) {
		t.Errorf("PauseAt after touch = %v, want %v", got.PauseAt, want)
	}
	if want := created.Add(80 * time.Second); got.DeleteAt == nil || !got.DeleteAt.Equal(want) {
		t.Errorf("DeleteAt after touch = %v, want %v", got.DeleteAt, want)
	}

	// Touching an unknown deployment is swallowed.
	env.svc.Touch(ctx, "dp_missing")
}

func TestCreateContainerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.rt.CreateFunc = func(ctx context.Context, opts sandbox.CreateOptions) (string, error) {
		return "", errors.New("runtime runsc not found")
	}

	_, err := env.svc.Create(context.Background(), stdioRequest())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrProvisioning) {
		t.Errorf("error = %v, want ErrProvisioning", err)
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("os users left behind: %d", n)
	}
	if nets := env.rt.Networks(); len(nets) != 0 {
		t.Errorf("networks left behind: %v", nets)
	}

	list, err := env.svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("records left behind: %d", len(list))
	}
}

func TestCreateStartFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.rt.StartFunc = func(ctx context.Context, containerID string) error {
		return errors.New("oci runtime error")
	}

	if _, err := env.svc.Create(context.Background(), stdioRequest()); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("error = %v, want ErrProvisioning", err)
	}
	if n := len(env.rt.Containers()); n != 0 {
		t.Errorf("containers left behind: %d", n)
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("os users left behind: %d", n)
	}
	if nets := env.rt.Networks(); len(nets) != 0 {
		t.Errorf("networks left behind: %v", nets)
	}
	list, _ := env.svc.List(context.Background())
	if len(list) != 0 {
		t.Errorf("records left behind: %d", len(list))
	}
}

func TestCreateInvalidRequestTouchesNothing(t *testing.T) {
	env := newTestEnv(t)
	req := stdioRequest()
	req.PauseAfterSeconds = intPtr(1)

	if _, err := env.svc.Create(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest", err)
	}
	if calls := env.rt.CallLog(); len(calls) != 0 {
		t.Errorf("runtime calls = %v, want none", calls)
	}
}

func TestDeleteTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}

	if err := env.svc.Delete(ctx, d.ID, true); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := env.svc.Delete(ctx, d.ID, true); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}

	if n := len(env.rt.Containers()); n != 0 {
		t.Errorf("containers left: %d", n)
	}
	if nets := env.rt.Networks(); len(nets) != 0 {
		t.Errorf("networks left: %v", nets)
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("os users left: %d", n)
	}
	if _, err := env.svc.Get(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestDeleteNonGracefulKills(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Delete(ctx, d.ID, false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var killed, stopped bool
	for _, call := range env.rt.CallLog() {
		switch call {
		case "kill":
			killed = true
		case "stop":
			stopped = true
		}
	}
	if !killed || stopped {
		t.Errorf("killed=%v stopped=%v, want kill only", killed, stopped)
	}
}

func TestDeletePartiallyTornDown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}

	// Container and network vanish out of band.
	if err := env.rt.Remove(ctx, d.ContainerID); err != nil {
		t.Fatal(err)
	}
	if err := env.rt.RemoveNetwork(ctx, d.NetworkName); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.Delete(ctx, d.ID, true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("os users left: %d", n)
	}
}

func TestPauseStopFailureStillMarksStopped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}

	env.rt.StopFunc = func(ctx context.Context, containerID string, timeout time.Duration) error {
		return errors.New("engine hiccup")
	}
	if err := env.svc.Pause(ctx, d.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	paused, err := env.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != model.StatusStopped {
		t.Errorf("Status after failed stop = %q, want stopped", paused.Status)
	}

	// The container kept running, so EnsureReady trusts it over the record.
	got, err := env.svc.EnsureReady(ctx, d.ID)
	if err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status after EnsureReady = %q, want running", got.Status)
	}
}

func TestLockExcludesAcrossDelete(t *testing.T) {
	env := newTestEnv(t)

	var holders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(forget bool) {
			defer wg.Done()
			unlock := env.svc.lock("dp_1")
			if n := holders.Add(1); n != 1 {
				t.Errorf("%d callers hold the lock for dp_1", n)
			}
			time.Sleep(time.Millisecond)
			holders.Add(-1)
			if forget {
				env.svc.locks.Delete("dp_1")
			}
			unlock()
		}(i%3 == 0)
	}
	wg.Wait()
}

func TestEnsureReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}

	t.Run("running is idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			got, err := env.svc.EnsureReady(ctx, d.ID)
			if err != nil {
				t.Fatalf("EnsureReady failed: %v", err)
			}
			if got.IPAddress != d.IPAddress {
				t.Errorf("IPAddress = %q, want %q", got.IPAddress, d.IPAddress)
			}
		}
	})

	t.Run("restarts after pause", func(t *testing.T) {
		if err := env.svc.Pause(ctx, d.ID); err != nil {
			t.Fatalf("Pause failed: %v", err)
		}
		paused, _ := env.svc.Get(ctx, d.ID)
		if paused.Status != model.StatusStopped {
			t.Fatalf("Status after pause = %q, want stopped", paused.Status)
		}

		got, err := env.svc.EnsureReady(ctx, d.ID)
		if err != nil {
			t.Fatalf("EnsureReady failed: %v", err)
		}
		if got.Status != model.StatusRunning {
			t.Errorf("Status = %q, want running", got.Status)
		}
		stored, _ := env.svc.Get(ctx, d.ID)
		if stored.Status != model.StatusRunning {
			t.Errorf("stored Status = %q, want running", stored.Status)
		}
	})

	t.Run("unpauses frozen container", func(t *testing.T) {
		env.rt.SetState(d.ContainerID, sandbox.StatePaused)
		if _, err := env.svc.EnsureReady(ctx, d.ID); err != nil {
			t.Fatalf("EnsureReady failed: %v", err)
		}
		if c := env.rt.Containers()[d.ContainerID]; c.State != sandbox.StateRunning {
			t.Errorf("state = %q, want running", c.State)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := env.svc.EnsureReady(ctx, "dp_missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("dead container", func(t *testing.T) {
		env.rt.SetState(d.ContainerID, sandbox.StateDead)
		if _, err := env.svc.EnsureReady(ctx, d.ID); !errors.Is(err, ErrNotReady) {
			t.Errorf("error = %v, want ErrNotReady", err)
		}
	})

	t.Run("no address", func(t *testing.T) {
		env.rt.InspectFunc = func(ctx context.Context, containerID string) (*sandbox.Container, error) {
			return &sandbox.Container{ID: containerID, State: sandbox.StateRunning}, nil
		}
		defer func() { env.rt.InspectFunc = nil }()

		if _, err := env.svc.EnsureReady(ctx, d.ID); !errors.Is(err, ErrNotReady) {
			t.Errorf("error = %v, want ErrNotReady", err)
		}
	})
}

func TestStderrCapture(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pr, pw := io.Pipe()
	env.rt.AttachStderrFunc = func(ctx context.Context, containerID string) (io.ReadCloser, error) {
		return pr, nil
	}

	d, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}

	ch, unsubscribe := env.svc.SubscribeStderr(d.ID)
	defer unsubscribe()

	if _, err := pw.Write([]byte("server starting\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case chunk := <-ch:
		if chunk != "server starting\n" {
			t.Errorf("chunk = %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stderr chunk")
	}

	got, err := env.svc.Stderr(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != "server starting\n" {
		t.Errorf("Stderr = %q", got)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Create(ctx, stdioRequest()); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.svc.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	list, err := env.svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("deployments after shutdown = %d, want 0", len(list))
	}
	if n := env.users.count(); n != 0 {
		t.Errorf("os users after shutdown = %d, want 0", n)
	}
}

func TestShutdownWithoutCleanup(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.CleanupOnShutdown = false
	ctx := context.Background()

	if _, err := env.svc.Create(ctx, stdioRequest()); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	list, _ := env.svc.List(ctx)
	if len(list) != 1 {
		t.Errorf("deployments after shutdown = %d, want 1", len(list))
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kept, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := env.svc.Create(ctx, stdioRequest())
	if err != nil {
		t.Fatal(err)
	}
	// Drop the orphan's record behind the orchestrator's back.
	if err := env.store.DeleteDeployment(ctx, orphan.ID); err != nil {
		t.Fatal(err)
	}
	env.rt.SetState(kept.ContainerID, sandbox.StateExited)

	if err := env.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	containers := env.rt.Containers()
	if _, ok := containers[orphan.ContainerID]; ok {
		t.Error("orphaned container not removed")
	}
	if _, ok := containers[kept.ContainerID]; !ok {
		t.Error("known container removed")
	}
	if n := env.users.count(); n != 1 {
		t.Errorf("os users = %d, want 1", n)
	}

	got, _ := env.svc.Get(ctx, kept.ID)
	if got.Status != model.StatusStopped {
		t.Errorf("Status = %q, want stopped", got.Status)
	}
}

func TestRewriteEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ip       string
		want     string
	}{
		{endpoint: "http://localhost:3000/sse", ip: "172.30.0.2", want: "http://172.30.0.2:3000/sse"},
		{endpoint: "http://server/mcp?x=1", ip: "172.30.0.3", want: "http://172.30.0.3/mcp?x=1"},
		{endpoint: "https://user@host:8443/mcp", ip: "fd00::2", want: "https://user@[fd00::2]:8443/mcp"},
	}
	for _, tt := range tests {
		got, err := RewriteEndpoint(tt.endpoint, tt.ip)
		if err != nil {
			t.Fatalf("RewriteEndpoint(%q) failed: %v", tt.endpoint, err)
		}
		if got != tt.want {
			t.Errorf("RewriteEndpoint(%q, %q) = %q, want %q", tt.endpoint, tt.ip, got, tt.want)
		}
	}
}

func TestEndpointPort(t *testing.T) {
	tests := []struct {
		transport model.Transport
		want      int
	}{
		{transport: model.Transport{Type: model.TransportStdio}, want: 0},
		{transport: model.Transport{Type: model.TransportSSE, Endpoint: "http://localhost:3000/sse"}, want: 3000},
		{transport: model.Transport{Type: model.TransportStreamableHTTP, Endpoint: "http://localhost/mcp"}, want: 80},
		{transport: model.Transport{Type: model.TransportStreamableHTTP, Endpoint: "https://localhost/mcp"}, want: 443},
	}
	for _, tt := range tests {
		if got := endpointPort(tt.transport); got != tt.want {
			t.Errorf("endpointPort(%+v) = %d, want %d", tt.transport, got, tt.want)
		}
	}
}
