package docker

import (
	"context"
	"fmt"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// Bridge driver options for per-deployment networks. Inter-container traffic
// is disabled; outbound traffic is masqueraded.
const (
	optEnableICC        = "com.docker.network.bridge.enable_icc"
	optEnableMasquerade = "com.docker.network.bridge.enable_ip_masquerade"
	optBridgeName       = "com.docker.network.bridge.name"
	optMTU              = "com.docker.network.driver.mtu"
)

// CreateNetwork creates a private bridge network. An existing network with the
// same name is reused so retries after a partial failure converge.
func (p *Provider) CreateNetwork(ctx context.Context, opts sandbox.NetworkOptions) (string, error) {
	if existing, err := p.client.NetworkInspect(ctx, opts.Name, network.InspectOptions{}); err == nil {
		p.logger.Info("Reusing existing network", zap.String("network", opts.Name), zap.String("network_id", existing.ID))
		return existing.ID, nil
	}

	driverOpts := map[string]string{
		optEnableICC:        "false",
		optEnableMasquerade: "true",
	}
	if opts.BridgeName != "" {
		driverOpts[optBridgeName] = opts.BridgeName
	}
	if opts.MTU > 0 {
		driverOpts[optMTU] = strconv.Itoa(opts.MTU)
	}

	labels := map[string]string{sandbox.LabelManaged: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	resp, err := p.client.NetworkCreate(ctx, opts.Name, network.CreateOptions{
		Driver:  "bridge",
		Options: driverOpts,
		Labels:  labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", opts.Name, err)
	}
	if resp.Warning != "" {
		p.logger.Warn("Network create warning", zap.String("network", opts.Name), zap.String("warning", resp.Warning))
	}

	p.logger.Info("Created network", zap.String("network", opts.Name), zap.String("network_id", resp.ID))
	return resp.ID, nil
}

// RemoveNetwork removes the network by id or name.
func (p *Provider) RemoveNetwork(ctx context.Context, nameOrID string) error {
	if err := p.client.NetworkRemove(ctx, nameOrID); err != nil {
		if cerrdefs.IsNotFound(err) {
			return fmt.Errorf("remove network: %w: %v", sandbox.ErrNotFound, err)
		}
		return fmt.Errorf("failed to remove network %s: %w", nameOrID, err)
	}
	return nil
}
