package isolation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/sandbox"
)

// Context is the isolation envelope of one deployment.
type Context struct {
	Username    string
	UID         int
	GID         int
	NetworkID   string
	NetworkName string
}

// User returns the uid:gid string containers run as.
func (c *Context) User() string {
	return fmt.Sprintf("%d:%d", c.UID, c.GID)
}

// Provisioner creates and destroys isolation contexts.
type Provisioner struct {
	users   UserManager
	runtime sandbox.Runtime
	mtu     int
	logger  *zap.Logger
}

// NewProvisioner creates a provisioner. mtu of 0 leaves the engine default.
func NewProvisioner(users UserManager, runtime sandbox.Runtime, mtu int, logger *zap.Logger) *Provisioner {
	return &Provisioner{users: users, runtime: runtime, mtu: mtu, logger: logger}
}

// NetworkName is the private network name of a deployment.
func NetworkName(deploymentID string) string {
	return fmt.Sprintf("container-%s-network", deploymentID)
}

// bridgeName keeps the host interface name within the 15-byte IFNAMSIZ limit.
func bridgeName(deploymentID string) string {
	id := deploymentID
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	return "br-" + id
}

// Provision creates the OS user, then the private network. When the network
// cannot be created the user is removed again before returning.
func (p *Provisioner) Provision(ctx context.Context, deploymentID string) (*Context, error) {
	username := NewUsername()
	uid, gid, err := p.users.Create(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to create os user: %w", err)
	}

	name := NetworkName(deploymentID)
	networkID, err := p.runtime.CreateNetwork(ctx, sandbox.NetworkOptions{
		Name:       name,
		BridgeName: bridgeName(deploymentID),
		MTU:        p.mtu,
		Labels: map[string]string{
			sandbox.LabelDeploymentID: deploymentID,
			sandbox.LabelUsername:     username,
		},
	})
	if err != nil {
		if delErr := p.users.Delete(ctx, username); delErr != nil {
			p.logger.Warn("Failed to roll back os user",
				zap.String("deployment_id", deploymentID),
				zap.String("username", username),
				zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to create network: %w", err)
	}

	p.logger.Info("Provisioned isolation context",
		zap.String("deployment_id", deploymentID),
		zap.String("username", username),
		zap.String("network", name))

	return &Context{
		Username:    username,
		UID:         uid,
		GID:         gid,
		NetworkID:   networkID,
		NetworkName: name,
	}, nil
}

// Release removes the network, then the OS user. Missing resources are not
// errors; other failures are collected and returned together.
func (p *Provisioner) Release(ctx context.Context, ic *Context) error {
	var errs []error

	network := ic.NetworkID
	if network == "" {
		network = ic.NetworkName
	}
	if network != "" {
		if err := p.runtime.RemoveNetwork(ctx, network); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	if ic.Username != "" {
		if err := p.users.Delete(ctx, ic.Username); err != nil && !errors.Is(err, ErrUserNotFound) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
