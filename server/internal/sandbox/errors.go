package sandbox

import "errors"

// Sentinel errors for runtime operations.
var (
	// ErrNotFound indicates the container, image or network does not exist.
	ErrNotFound = errors.New("sandbox resource not found")

	// ErrNotRunning indicates the container is not running when it should be.
	ErrNotRunning = errors.New("container not running")

	// ErrAttachFailed indicates the attach stream could not be opened.
	ErrAttachFailed = errors.New("failed to attach to container")

	// ErrInvalidImage indicates the image reference is invalid or cannot be pulled.
	ErrInvalidImage = errors.New("invalid container image")
)
