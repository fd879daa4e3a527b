package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/obot-platform/mcprunner/server/internal/mcp"
	"github.com/obot-platform/mcprunner/server/internal/mcp/sse"
	"github.com/obot-platform/mcprunner/server/internal/mcp/stdio"
	"github.com/obot-platform/mcprunner/server/internal/mcp/streamable"
	"github.com/obot-platform/mcprunner/server/internal/model"
	"github.com/obot-platform/mcprunner/server/internal/sandbox"
	"github.com/obot-platform/mcprunner/server/internal/service"
)

// ClientFactory opens the internal transport of a deployment.
type ClientFactory struct {
	runtime sandbox.Runtime
	logger  *zap.Logger

	// HTTPClient is the base client for sse and streamable_http servers.
	// Nil uses http.DefaultClient.
	HTTPClient *http.Client
}

// NewClientFactory creates a factory that attaches stdio transports through rt.
func NewClientFactory(rt sandbox.Runtime, logger *zap.Logger) *ClientFactory {
	return &ClientFactory{runtime: rt, logger: logger}
}

// Open builds and starts the internal transport for d, reachable at ip.
// authorization is the caller's Authorization header; a bearer token in it
// is forwarded to HTTP-based servers.
func (f *ClientFactory) Open(ctx context.Context, d *model.Deployment, ip, authorization string) (mcp.Transport, error) {
	logger := f.logger.With(zap.String("deployment_id", d.ID))

	var t mcp.Transport
	switch d.Transport.Type {
	case model.TransportStdio:
		t = stdio.NewTransport(f.runtime, d.ContainerID, logger)
	case model.TransportSSE, model.TransportStreamableHTTP:
		endpoint, err := service.RewriteEndpoint(d.Transport.Endpoint, ip)
		if err != nil {
			return nil, err
		}
		client := f.httpClient(ctx, authorization)
		if d.Transport.Type == model.TransportSSE {
			t = sse.NewClient(endpoint, client, logger)
		} else {
			t = streamable.NewClient(endpoint, client, logger)
		}
	default:
		return nil, fmt.Errorf("unsupported transport type %q", d.Transport.Type)
	}

	if err := t.Start(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("start %s transport: %w", d.Transport.Type, err)
	}
	return t, nil
}

func (f *ClientFactory) httpClient(ctx context.Context, authorization string) *http.Client {
	token := bearerToken(authorization)
	if token == "" {
		return f.HTTPClient
	}
	// The client outlives the request that opened it.
	ctx = context.WithoutCancel(ctx)
	if f.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.HTTPClient)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
