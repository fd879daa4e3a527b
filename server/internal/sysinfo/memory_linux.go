//go:build linux

package sysinfo

import (
	"fmt"
	"syscall"
)

// TotalMemoryBytes returns the total physical memory of the host in bytes
// using the sysinfo syscall.
func TotalMemoryBytes() (uint64, error) {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, nil
}
