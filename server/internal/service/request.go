package service

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/obot-platform/mcprunner/server/internal/model"
)

// Minimum values accepted on create.
const (
	MinMemoryMB        = 1
	MinCPUs            = 0.1
	MinIdleTimeoutSecs = 30
)

// CreateRequest is the input to DeploymentService.Create.
type CreateRequest struct {
	Image              string            `json:"image"`
	Args               []string          `json:"args,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	MaxMemoryMB        *int              `json:"maxMemory,omitempty"`
	MaxCPUs            *float64          `json:"maxCpus,omitempty"`
	PauseAfterSeconds  *int              `json:"pauseAfterSeconds,omitempty"`
	DeleteAfterSeconds *int              `json:"deleteAfterSeconds,omitempty"`
	AutoStart          *bool             `json:"autoStart,omitempty"` // Defaults to true
	Metadata           map[string]any    `json:"metadata,omitempty"`
	Transport          model.Transport   `json:"transport"`
}

// Validate checks the request. hostMemoryMB bounds the memory cap when
// positive. delete-after is deliberately not compared against pause-after.
func (r *CreateRequest) Validate(hostMemoryMB int) error {
	if r.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	if _, err := name.ParseReference(r.Image); err != nil {
		return fmt.Errorf("%w: invalid image reference %q: %v", ErrInvalidRequest, r.Image, err)
	}

	if r.MaxMemoryMB != nil {
		if *r.MaxMemoryMB < MinMemoryMB {
			return fmt.Errorf("%w: maxMemory must be at least %d MB", ErrInvalidRequest, MinMemoryMB)
		}
		if hostMemoryMB > 0 && *r.MaxMemoryMB > hostMemoryMB {
			return fmt.Errorf("%w: maxMemory %d MB exceeds host memory %d MB", ErrInvalidRequest, *r.MaxMemoryMB, hostMemoryMB)
		}
	}
	if r.MaxCPUs != nil && *r.MaxCPUs < MinCPUs {
		return fmt.Errorf("%w: maxCpus must be at least %.1f", ErrInvalidRequest, MinCPUs)
	}
	if r.PauseAfterSeconds != nil && *r.PauseAfterSeconds < MinIdleTimeoutSecs {
		return fmt.Errorf("%w: pauseAfterSeconds must be at least %d", ErrInvalidRequest, MinIdleTimeoutSecs)
	}
	if r.DeleteAfterSeconds != nil && *r.DeleteAfterSeconds < MinIdleTimeoutSecs {
		return fmt.Errorf("%w: deleteAfterSeconds must be at least %d", ErrInvalidRequest, MinIdleTimeoutSecs)
	}

	if err := r.Transport.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (r *CreateRequest) autoStart() bool {
	return r.AutoStart == nil || *r.AutoStart
}

// endpointPort returns the container port the transport endpoint targets, or 0
// for stdio.
func endpointPort(t model.Transport) int {
	if t.Type == model.TransportStdio || t.Endpoint == "" {
		return 0
	}
	u, err := url.Parse(t.Endpoint)
	if err != nil {
		return 0
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// RewriteEndpoint replaces the endpoint's hostname with ip, keeping the port.
func RewriteEndpoint(endpoint, ip string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if p := u.Port(); p != "" {
		u.Host = net.JoinHostPort(ip, p)
	} else if net.ParseIP(ip) != nil && net.ParseIP(ip).To4() == nil {
		u.Host = "[" + ip + "]"
	} else {
		u.Host = ip
	}
	return u.String(), nil
}
