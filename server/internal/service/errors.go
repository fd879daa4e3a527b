package service

import "errors"

// Sentinel errors for deployment operations. Callers match with errors.Is.
var (
	// ErrNotFound indicates the deployment id is unknown.
	ErrNotFound = errors.New("deployment not found")

	// ErrNotReady indicates the container could not be brought to running
	// or has no address on its private network.
	ErrNotReady = errors.New("deployment not ready")

	// ErrProvisioning wraps any failure while creating a deployment. The
	// partially created resources have been rolled back when it is returned.
	ErrProvisioning = errors.New("deployment provisioning failed")

	// ErrInvalidRequest indicates a create request failed validation.
	ErrInvalidRequest = errors.New("invalid deployment request")
)
