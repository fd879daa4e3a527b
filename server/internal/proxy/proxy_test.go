package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/sse"
	"github.com/obot-platform/mcprunner/server/internal/mcp/streamable"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
	"github.com/obot-platform/mcprunner/server/internal/sandbox/mock"
)

type countingToucher struct {
	mu  sync.Mutex
	ids []string
}

func (c *countingToucher) Touch(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *countingToucher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

type harness struct {
	session  *Session
	registry *Registry
	client   *mcp.InMemoryTransport // what the external client holds
	server   *mcp.InMemoryTransport // what the underlying server holds
	toucher  *countingToucher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, external := mcp.NewInMemoryPair()
	internal, server := mcp.NewInMemoryPair()
	h := &harness{
		registry: NewRegistry("sse"),
		client:   client,
		server:   server,
		toucher:  &countingToucher{},
	}
	h.session = NewSession(SessionOptions{
		ID:           "s1",
		DeploymentID: "dp_1",
		External:     external,
		Internal:     internal,
		ExternalKind: "sse",
		InternalKind: "stdio",
		Toucher:      h.toucher,
		Logger:       zap.NewNop(),
	})
	h.registry.Add(h.session)
	h.session.Run()
	t.Cleanup(h.session.Close)
	return h
}

func recv(t *testing.T, tr mcp.Transport) *mcp.Message {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatal("transport closed")
		}
		if ev.Err != nil {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		return ev.Message
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSessionRemapsRequestIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.Send(ctx, &mcp.Message{JSONRPC: "2.0", ID: json.RawMessage(`5`), Method: "tools/call"})
	got := recv(t, h.server)
	if string(got.ID) != `"s1::5"` {
		t.Fatalf("server saw id %s, want \"s1::5\"", got.ID)
	}

	h.server.Send(ctx, &mcp.Message{JSONRPC: "2.0", ID: got.ID, Result: json.RawMessage(`{"ok":true}`)})
	reply := recv(t, h.client)
	if string(reply.ID) != `5` {
		t.Errorf("client saw id %s, want 5", reply.ID)
	}
	if string(reply.Result) != `{"ok":true}` {
		t.Errorf("result = %s", reply.Result)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.toucher.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("deployment never touched")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionDropsUnmappedReplies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.server.Send(ctx, &mcp.Message{JSONRPC: "2.0", ID: mcp.StringID("other::1"), Result: json.RawMessage(`{}`)})
	h.server.Send(ctx, &mcp.Message{JSONRPC: "2.0", Method: "notifications/message"})

	got := recv(t, h.client)
	if got.Method != "notifications/message" {
		t.Errorf("client got %+v, want only the notification", got)
	}
}

func TestSessionCloseCascades(t *testing.T) {
	h := newHarness(t)

	h.client.Close()

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
	if _, open := <-h.server.Events(); open {
		t.Error("internal transport still open")
	}
	if h.registry.Len() != 0 {
		t.Errorf("registry still holds %d sessions", h.registry.Len())
	}
	h.session.Wait()
}

func TestSessionReportsInternalEnd(t *testing.T) {
	h := newHarness(t)

	h.server.Close()

	got := recv(t, h.client)
	if got.Error == nil || got.Error.Code != mcp.CodeInternalError || string(got.ID) != "null" {
		t.Errorf("client got %+v, want internal error with null id", got)
	}
	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after internal end")
	}
}

func TestSessionFailureAnswersPendingStreamableRequests(t *testing.T) {
	external := streamable.NewServer(zap.NewNop())
	internal, server := mcp.NewInMemoryPair()
	sess := NewSession(SessionOptions{
		ID:           external.SessionID(),
		DeploymentID: "dp_1",
		External:     external,
		Internal:     internal,
		ExternalKind: string(model.TransportStreamableHTTP),
		InternalKind: string(model.TransportStdio),
		Logger:       zap.NewNop(),
	})
	sess.Run()
	t.Cleanup(sess.Close)

	// The underlying server reads the request and exits without answering.
	go func() {
		if _, ok := <-server.Events(); ok {
			server.Close()
		}
	}()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	msgs := []*mcp.Message{{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call"}}

	done := make(chan struct{})
	go func() {
		external.HandlePost(rec, req, msgs)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("POST stream never ended")
	}

	var got *mcp.Message
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			m, err := mcp.Decode([]byte(data))
			if err != nil {
				t.Fatalf("Decode(%q): %v", data, err)
			}
			got = m
		}
	}
	if got == nil {
		t.Fatalf("POST stream carried no message, body %q", rec.Body.String())
	}
	if string(got.ID) != "7" || got.Error == nil || got.Error.Code != mcp.CodeInternalError {
		t.Errorf("client got %+v, want internal error for id 7", got)
	}
}

// brokenTransport delivers whatever the test pushes and discards sends.
type brokenTransport struct {
	queue *mcp.EventQueue
}

func (b *brokenTransport) Start(ctx context.Context) error { return nil }

func (b *brokenTransport) Send(ctx context.Context, msg *mcp.Message) error { return nil }

func (b *brokenTransport) Events() <-chan mcp.Event { return b.queue.Events() }

func (b *brokenTransport) Close() error {
	b.queue.Shut()
	return nil
}

func TestSessionSurfacesInternalErrors(t *testing.T) {
	client, external := mcp.NewInMemoryPair()
	internal := &brokenTransport{queue: mcp.NewEventQueue(4)}
	sess := NewSession(SessionOptions{
		ID:           "s1",
		DeploymentID: "dp_1",
		External:     external,
		Internal:     internal,
		ExternalKind: "sse",
		InternalKind: "stdio",
		Logger:       zap.NewNop(),
	})
	sess.Run()
	t.Cleanup(sess.Close)

	internal.queue.Error(errors.New("invalid character 'x'"))

	got := recv(t, client)
	if got.Error == nil || got.Error.Code != mcp.CodeInternalError || string(got.ID) != "null" {
		t.Errorf("client got %+v, want internal error with null id", got)
	}
	select {
	case <-sess.Done():
		t.Error("session closed after a recoverable error")
	default:
	}
}

func TestSessionOnCloseAfterClose(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	calls := 0
	hook := func() {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.session.OnClose(hook)
		}()
	}
	h.session.Close()
	wg.Wait()
	h.session.OnClose(hook)

	mu.Lock()
	defer mu.Unlock()
	if calls != 11 {
		t.Errorf("hooks ran %d times, want 11", calls)
	}
}

func TestRegistryConnectedDeployments(t *testing.T) {
	h := newHarness(t)

	if got := h.registry.ActiveDeployments(); len(got) != 0 {
		t.Errorf("ActiveDeployments() = %v before connect", got)
	}
	release1 := h.registry.Connect("s1")
	release2 := h.registry.Connect("s1")
	if got := h.registry.ActiveDeployments(); !reflect.DeepEqual(got, []string{"dp_1"}) {
		t.Errorf("ActiveDeployments() = %v, want [dp_1]", got)
	}
	release1()
	release1()
	if got := h.registry.ActiveDeployments(); len(got) != 1 {
		t.Errorf("released too early: %v", got)
	}
	release2()
	if got := h.registry.ActiveDeployments(); len(got) != 0 {
		t.Errorf("ActiveDeployments() = %v after release", got)
	}

	if _, err := h.registry.Get(""); err != ErrInvalidSession {
		t.Errorf("Get(\"\") = %v", err)
	}
	if s, err := h.registry.Get("s1"); err != nil || s != h.session {
		t.Errorf("Get(s1) = %v, %v", s, err)
	}
	h.registry.CloseDeployment("dp_1")
	if _, err := h.registry.Get("s1"); err != ErrInvalidSession {
		t.Errorf("session still registered after CloseDeployment: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		if got := bearerToken(tt.header); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestFactoryOpensStdio(t *testing.T) {
	rt := mock.NewProvider()
	stream := mock.NewStream()
	var attached string
	rt.AttachFunc = func(ctx context.Context, id string) (sandbox.Stream, error) {
		attached = id
		return stream, nil
	}
	f := NewClientFactory(rt, zap.NewNop())

	d := &model.Deployment{ID: "dp_1", ContainerID: "ctr-9", Transport: model.Transport{Type: model.TransportStdio}}
	tr, err := f.Open(context.Background(), d, "", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()
	defer tr.Close()
	if attached != "ctr-9" {
		t.Errorf("attached to %q", attached)
	}
}

func TestFactoryRewritesHostAndForwardsToken(t *testing.T) {
	var mu sync.Mutex
	var auth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		sw, _ := sse.NewWriter(w)
		sw.Write(sse.EventEndpoint, "/messages?sessionId=x")
		<-r.Context().Done()
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusAccepted)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	_, port, _ := net.SplitHostPort(u.Host)
	d := &model.Deployment{
		ID:        "dp_1",
		Transport: model.Transport{Type: model.TransportSSE, Endpoint: "http://mcp-server.internal:" + port + "/sse"},
	}

	f := NewClientFactory(mock.NewProvider(), zap.NewNop())
	f.HTTPClient = ts.Client()
	tr, err := f.Open(context.Background(), d, "127.0.0.1", "Bearer tok-123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestFactoryRejectsUnknownTransport(t *testing.T) {
	f := NewClientFactory(mock.NewProvider(), zap.NewNop())
	d := &model.Deployment{ID: "dp_1", Transport: model.Transport{Type: "carrier_pigeon"}}
	if _, err := f.Open(context.Background(), d, "10.0.0.2", ""); err == nil {
		t.Error("Open succeeded for unknown transport")
	}
}
