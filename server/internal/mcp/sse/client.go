package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
)

// ErrNoEndpoint is returned by Start when the stream ends before the server
// announced where to POST messages.
var ErrNoEndpoint = errors.New("sse stream ended before endpoint event")

// Client is an mcp.Transport that connects to an SSE MCP server.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger

	queue *mcp.EventQueue

	mu       sync.Mutex
	postURL  string
	cancel   context.CancelFunc
	readDone chan struct{}
	closed   bool
}

// NewClient creates a client for the SSE stream at endpoint. httpClient
// carries any credentials; nil uses http.DefaultClient.
func NewClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger.With(zap.String("endpoint", endpoint)),
		queue:      mcp.NewEventQueue(64),
	}
}

// Start opens the event stream and waits for the endpoint event. The stream
// outlives ctx; it ends on Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return mcp.ErrTransportClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		c.abort()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.abort()
		return fmt.Errorf("connect sse stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.abort()
		return fmt.Errorf("connect sse stream: unexpected status %d", resp.StatusCode)
	}

	endpoint := make(chan error, 1)
	go c.read(resp.Body, NewScanner(resp.Body), endpoint)

	select {
	case err := <-endpoint:
		if err != nil {
			c.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (c *Client) read(body io.ReadCloser, scanner *Scanner, endpoint chan<- error) {
	defer close(c.readDone)
	defer c.queue.Shut()
	defer body.Close()

	announced := false
	for scanner.Next() {
		ev := scanner.Event()
		switch ev.Type {
		case EventEndpoint:
			u, err := c.resolve(ev.Data)
			if err != nil {
				if !announced {
					endpoint <- err
					return
				}
				c.queue.Error(err)
				continue
			}
			c.mu.Lock()
			c.postURL = u
			c.mu.Unlock()
			if !announced {
				announced = true
				c.logger.Debug("SSE endpoint announced", zap.String("post_url", u))
				endpoint <- nil
			}
		case EventMessage, "":
			m, err := mcp.Decode([]byte(ev.Data))
			if err != nil {
				c.queue.Error(err)
				continue
			}
			c.queue.Message(m)
		}
	}

	err := scanner.Err()
	if !announced {
		if err == nil {
			err = ErrNoEndpoint
		}
		endpoint <- err
		return
	}
	if err != nil && !c.isClosed() {
		c.queue.Error(fmt.Errorf("sse stream: %w", err))
	}
}

// resolve turns the announced endpoint into an absolute URL on the stream's
// origin.
func (c *Client) resolve(ref string) (string, error) {
	base, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint event %q: %w", ref, err)
	}
	if u.Host != base.Host {
		return "", fmt.Errorf("endpoint event %q does not match stream origin", ref)
	}
	return u.String(), nil
}

// Send POSTs the message to the announced endpoint.
func (c *Client) Send(ctx context.Context, msg *mcp.Message) error {
	c.mu.Lock()
	postURL, closed := c.postURL, c.closed
	c.mu.Unlock()
	if closed {
		return mcp.ErrTransportClosed
	}
	if postURL == "" {
		return fmt.Errorf("sse transport not started")
	}

	data, err := mcp.Encode(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) Events() <-chan mcp.Event {
	return c.queue.Events()
}

// Close ends the event stream.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.readDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.queue.Shut()
	if done != nil {
		<-done
	}
	return nil
}

// abort finishes a Start that failed before the reader was launched.
func (c *Client) abort() {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	close(c.readDone)
	c.mu.Unlock()
	c.queue.Shut()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
