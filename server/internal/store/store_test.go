package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obot-platform/mcprunner/server/internal/config"
	"github.com/obot-platform/mcprunner/server/internal/database"
	"github.com/obot-platform/mcprunner/server/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseDriver = "sqlite"
	cfg.DatabaseDSN = "sqlite3://" + filepath.Join(t.TempDir(), "store.db")

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(db.DB)
}

func intPtr(v int) *int { return &v }

func newDeployment(id string, created time.Time, pauseAfter, deleteAfter *int) *model.Deployment {
	d := &model.Deployment{
		ID:                 id,
		Image:              "ghcr.io/example/server:latest",
		Args:               []string{"--stdio"},
		Username:           "a1b2c3d4e5f60718",
		UID:                990,
		GID:                990,
		Transport:          model.Transport{Type: model.TransportStdio},
		PauseAfterSeconds:  pauseAfter,
		DeleteAfterSeconds: deleteAfter,
		Status:             model.StatusRunning,
		CreatedAt:          created,
	}
	d.SetLastInteraction(created)
	return d
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	d := newDeployment("dp_one", now, intPtr(60), nil)
	d.Env = map[string]string{"TOKEN": "x"}
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}

	got, err := s.GetDeploymentByID(ctx, "dp_one")
	if err != nil {
		t.Fatalf("GetDeploymentByID failed: %v", err)
	}
	if got.Image != d.Image {
		t.Errorf("Image = %q, want %q", got.Image, d.Image)
	}
	if got.Env["TOKEN"] != "x" {
		t.Errorf("Env = %v, want TOKEN=x", got.Env)
	}
	if got.Transport.Type != model.TransportStdio {
		t.Errorf("Transport.Type = %q, want stdio", got.Transport.Type)
	}
	if got.PauseAt == nil || !got.PauseAt.Equal(now.Add(60*time.Second)) {
		t.Errorf("PauseAt = %v, want %v", got.PauseAt, now.Add(60*time.Second))
	}
	if got.DeleteAt != nil {
		t.Errorf("DeleteAt = %v, want nil", got.DeleteAt)
	}

	if _, err := s.GetDeploymentByID(ctx, "dp_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeploymentByID(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTouchDeploymentRecomputesDeadlines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateDeployment(ctx, newDeployment("dp_touch", created, intPtr(30), intPtr(120))); err != nil {
		t.Fatal(err)
	}

	touched := created.Add(20 * time.Second)
	if err := s.TouchDeployment(ctx, "dp_touch", touched); err != nil {
		t.Fatalf("TouchDeployment failed: %v", err)
	}

	got, err := s.GetDeploymentByID(ctx, "dp_touch")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastInteractionAt.Equal(touched) {
		t.Errorf("LastInteractionAt = %v, want %v", got.LastInteractionAt, touched)
	}
	if want := created.Add(50 * time.Second); got.PauseAt == nil || !got.PauseAt.Equal(want) {
		t.Errorf("PauseAt = %v, want %v", got.PauseAt, want)
	}
	if want := created.Add(140 * time.Second); got.DeleteAt == nil || !got.DeleteAt.Equal(want) {
		t.Errorf("DeleteAt = %v, want %v", got.DeleteAt, want)
	}

	if err := s.TouchDeployment(ctx, "dp_missing", touched); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchDeployment(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	fixtures := []*model.Deployment{
		newDeployment("dp_pause_due", base, intPtr(30), nil),
		newDeployment("dp_pause_later", base, intPtr(300), nil),
		newDeployment("dp_delete_due", base, nil, intPtr(30)),
		newDeployment("dp_no_timers", base, nil, nil),
	}
	stopped := newDeployment("dp_stopped", base, intPtr(30), nil)
	stopped.Status = model.StatusStopped
	fixtures = append(fixtures, stopped)

	for _, d := range fixtures {
		if err := s.CreateDeployment(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	now := base.Add(45 * time.Second)

	pause, err := s.ListDueForPause(ctx, now)
	if err != nil {
		t.Fatalf("ListDueForPause failed: %v", err)
	}
	if len(pause) != 1 || pause[0].ID != "dp_pause_due" {
		t.Errorf("ListDueForPause = %v, want [dp_pause_due]", ids(pause))
	}

	del, err := s.ListDueForDeletion(ctx, now)
	if err != nil {
		t.Fatalf("ListDueForDeletion failed: %v", err)
	}
	if len(del) != 1 || del[0].ID != "dp_delete_due" {
		t.Errorf("ListDueForDeletion = %v, want [dp_delete_due]", ids(del))
	}
}

func TestUpdateStatusAndRuntime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := newDeployment("dp_status", time.Now().UTC(), nil, nil)
	d.Status = model.StatusProvisioning
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateRuntime(ctx, "dp_status", "c0ffee", "172.30.0.2"); err != nil {
		t.Fatalf("UpdateRuntime failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "dp_status", model.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err := s.GetDeploymentByID(ctx, "dp_status")
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerID != "c0ffee" || got.IPAddress != "172.30.0.2" {
		t.Errorf("runtime = (%q, %q), want (c0ffee, 172.30.0.2)", got.ContainerID, got.IPAddress)
	}
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	if err := s.UpdateStatus(ctx, "dp_missing", model.StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAppendStderr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateDeployment(ctx, newDeployment("dp_stderr", time.Now().UTC(), nil, nil)); err != nil {
		t.Fatal(err)
	}

	for _, chunk := range []string{"line one\n", "line two\n"} {
		if err := s.AppendStderr(ctx, "dp_stderr", chunk, 0); err != nil {
			t.Fatalf("AppendStderr failed: %v", err)
		}
	}

	got, err := s.GetDeploymentByID(ctx, "dp_stderr")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stderr != "line one\nline two\n" {
		t.Errorf("Stderr = %q", got.Stderr)
	}
}

func TestAppendBounded(t *testing.T) {
	tests := []struct {
		name    string
		current string
		chunk   string
		limit   int
		want    string
	}{
		{name: "unbounded", current: "abc", chunk: "def", limit: 0, want: "abcdef"},
		{name: "under limit", current: "abc", chunk: "de", limit: 8, want: "abcde"},
		{name: "over limit", current: "abcdef", chunk: "ghij", limit: 4, want: StderrTruncatedMarker + "ghij"},
		{name: "already truncated", current: StderrTruncatedMarker + "ab", chunk: "c", limit: 8, want: StderrTruncatedMarker + "abc"},
		{name: "truncated again", current: StderrTruncatedMarker + "abcd", chunk: "ef", limit: 3, want: StderrTruncatedMarker + "def"},
		{name: "rune boundary", current: "", chunk: "aé", limit: 1, want: StderrTruncatedMarker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendBounded(tt.current, tt.chunk, tt.limit)
			if got != tt.want {
				t.Errorf("appendBounded() = %q, want %q", got, tt.want)
			}
			if tt.limit > 0 && len(strings.TrimPrefix(got, StderrTruncatedMarker)) > tt.limit {
				t.Errorf("body length %d exceeds limit %d", len(got), tt.limit)
			}
		})
	}
}

func TestDeleteDeploymentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateDeployment(ctx, newDeployment("dp_del", time.Now().UTC(), nil, nil)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.DeleteDeployment(ctx, "dp_del"); err != nil {
			t.Fatalf("DeleteDeployment #%d failed: %v", i+1, err)
		}
	}

	if _, err := s.GetDeploymentByID(ctx, "dp_del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeploymentByID after delete error = %v, want ErrNotFound", err)
	}

	list, err := s.ListDeployments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("ListDeployments = %v, want empty", ids(list))
	}
}

func ids(ds []*model.Deployment) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}
