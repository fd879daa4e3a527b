// Package sysinfo reports host capacity used to validate deployment limits.
package sysinfo

import "errors"

// ErrUnsupported is returned on platforms without a host memory query.
var ErrUnsupported = errors.New("host memory query not supported on this platform")

// TotalMemoryMB returns the host's physical memory in whole megabytes.
func TotalMemoryMB() (int, error) {
	b, err := TotalMemoryBytes()
	if err != nil {
		return 0, err
	}
	return int(b / (1024 * 1024)), nil
}
