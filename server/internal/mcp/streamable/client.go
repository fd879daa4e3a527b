package streamable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/sse"
)

// ErrSessionExpired is reported when the server no longer knows the session.
var ErrSessionExpired = errors.New("streamable http session expired")

const terminateTimeout = 5 * time.Second

// Client is an mcp.Transport that talks to a streamable HTTP MCP server.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	queue *mcp.EventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	listening bool
	closed    bool
}

// NewClient creates a client for endpoint. httpClient carries any
// credentials; nil uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger.With(zap.String("endpoint", endpoint)),
		queue:      mcp.NewEventQueue(64),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start is a no-op; the session begins with the first POST.
func (c *Client) Start(ctx context.Context) error {
	if c.isClosed() {
		return mcp.ErrTransportClosed
	}
	return nil
}

// SessionID returns the session id assigned by the server, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Send POSTs msg. Replies arrive on Events whether the server answers with
// JSON or with an SSE stream.
func (c *Client) Send(ctx context.Context, msg *mcp.Message) error {
	if c.isClosed() {
		return mcp.ErrTransportClosed
	}
	data, err := mcp.Encode(msg)
	if err != nil {
		return err
	}

	// The reply stream may outlive ctx; it is bound to the transport.
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setSession(req)

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}

	if id := resp.Header.Get(HeaderSessionID); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		if msg.Method == "notifications/initialized" {
			c.listen()
		}
		return nil
	case resp.StatusCode == http.StatusNotFound && c.SessionID() != "":
		resp.Body.Close()
		return ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return fmt.Errorf("post message: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream":
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			resp.Body.Close()
			return mcp.ErrTransportClosed
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.wg.Done()
			c.readStream(resp.Body)
		}()
		return nil
	case "application/json":
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		msgs, _, err := mcp.DecodeBatch(body)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			c.queue.Message(m)
		}
		return nil
	default:
		resp.Body.Close()
		return fmt.Errorf("post message: unexpected content type %q", mediaType)
	}
}

// do runs req until ctx or the transport is cancelled. Once the headers are
// in, only the transport can cancel the body.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		ch <- result{resp, err}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) setSession(req *http.Request) {
	if id := c.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
}

// listen opens the standalone GET stream once. Servers that do not offer
// one answer 405, which is not an error.
func (c *Client) listen() {
	c.mu.Lock()
	if c.listening || c.closed {
		c.mu.Unlock()
		return
	}
	c.listening = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint, nil)
		if err != nil {
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		c.setSession(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("Standalone stream unavailable", zap.Error(err))
			}
			return
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				c.logger.Debug("Standalone stream refused", zap.Int("status", resp.StatusCode))
			}
			return
		}
		c.readStream(resp.Body)
	}()
}

func (c *Client) readStream(body io.ReadCloser) {
	defer body.Close()

	scanner := sse.NewScanner(body)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.Type != sse.EventMessage && ev.Type != "" {
			continue
		}
		m, err := mcp.Decode([]byte(ev.Data))
		if err != nil {
			c.queue.Error(err)
			continue
		}
		c.queue.Message(m)
	}
	if err := scanner.Err(); err != nil && c.ctx.Err() == nil {
		c.queue.Error(fmt.Errorf("read stream: %w", err))
	}
}

func (c *Client) Events() <-chan mcp.Event {
	return c.queue.Events()
}

// Close terminates the session on the server, best effort, and ends all
// open streams.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		c.terminate(sessionID)
	}
	c.cancel()
	c.queue.Shut()
	c.wg.Wait()
	return nil
}

func (c *Client) terminate(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return
	}
	req.Header.Set(HeaderSessionID, sessionID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Failed to terminate session", zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
