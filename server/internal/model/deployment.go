// Package model defines the persisted entities of the MCP runner.
package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

// DeploymentStatus represents where a deployment is in its lifecycle.
type DeploymentStatus string

const (
	StatusProvisioning DeploymentStatus = "provisioning" // Record persisted, container not yet started
	StatusRunning      DeploymentStatus = "running"      // Container started and reachable
	StatusStopped      DeploymentStatus = "stopped"      // Paused by the idle scheduler, restartable
	StatusDeleted      DeploymentStatus = "deleted"      // Terminal; the record is removed from the store
)

// TransportType is the wire protocol the underlying server speaks.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable_http"
)

// Transport describes how to reach the underlying server inside the container.
// Endpoint is required for sse and streamable_http; its hostname is replaced
// by the container's private IP when a client transport is opened.
type Transport struct {
	Type     TransportType `json:"type" yaml:"type"`
	Endpoint string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// Validate checks that the descriptor is one of the supported variants.
func (t Transport) Validate() error {
	switch t.Type {
	case TransportStdio:
		return nil
	case TransportSSE, TransportStreamableHTTP:
		if t.Endpoint == "" {
			return fmt.Errorf("transport %s requires an endpoint", t.Type)
		}
		u, err := url.Parse(t.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid transport endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("transport endpoint must be http or https, got %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("transport endpoint must include a host")
		}
		return nil
	case "":
		return fmt.Errorf("transport type is required")
	default:
		return fmt.Errorf("unsupported transport type %q", t.Type)
	}
}

// Deployment is one provisioned, isolated container hosting an underlying
// MCP server.
//
// PauseAt and DeleteAt are sliding deadlines derived from LastInteractionAt.
// They are stored as absolute times so a process restart does not reset the
// idle windows; any writer of LastInteractionAt must go through
// SetLastInteraction so both stay consistent.
type Deployment struct {
	ID string `gorm:"primaryKey;type:text" json:"id"`

	ContainerID string `gorm:"not null;default:''" json:"container_id"`
	NetworkID   string `gorm:"not null;default:''" json:"network_id"`
	NetworkName string `gorm:"not null;default:''" json:"network_name"`
	IPAddress   string `gorm:"not null;default:''" json:"ip_address"`

	Image string            `gorm:"not null" json:"image"`
	Args  []string          `gorm:"serializer:json" json:"args"`
	Env   map[string]string `gorm:"serializer:json" json:"env,omitempty"`

	Username string `gorm:"not null" json:"username"`
	UID      int    `gorm:"not null" json:"uid"`
	GID      int    `gorm:"not null" json:"gid"`

	MaxMemoryMB *int     `json:"max_memory"`
	MaxCPUs     *float64 `json:"max_cpus"`

	Transport Transport `gorm:"serializer:json;not null" json:"transport"`

	PauseAfterSeconds  *int `json:"pause_after_seconds"`
	DeleteAfterSeconds *int `json:"delete_after_seconds"`

	LastInteractionAt time.Time  `gorm:"not null" json:"last_interaction_at"`
	PauseAt           *time.Time `gorm:"index" json:"pause_at"`
	DeleteAt          *time.Time `gorm:"index" json:"delete_at"`

	Status   DeploymentStatus `gorm:"index;not null" json:"status"`
	Metadata map[string]any   `gorm:"serializer:json" json:"metadata"`
	Stderr   string           `gorm:"not null;default:''" json:"stderr"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

// SetLastInteraction records activity at t and recomputes the idle deadlines
// from the stored offsets.
func (d *Deployment) SetLastInteraction(t time.Time) {
	t = t.UTC()
	d.LastInteractionAt = t
	d.PauseAt = deadline(t, d.PauseAfterSeconds)
	d.DeleteAt = deadline(t, d.DeleteAfterSeconds)
}

func deadline(base time.Time, seconds *int) *time.Time {
	if seconds == nil {
		return nil
	}
	at := base.Add(time.Duration(*seconds) * time.Second)
	return &at
}

// NewDeploymentID returns a collision-resistant, URL-safe deployment id.
func NewDeploymentID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "dp_" + base64.RawURLEncoding.EncodeToString(b)
}
