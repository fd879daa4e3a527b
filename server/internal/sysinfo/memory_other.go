//go:build !linux

package sysinfo

// TotalMemoryBytes is unavailable off Linux; callers skip the upper bound.
func TotalMemoryBytes() (uint64, error) {
	return 0, ErrUnsupported
}
