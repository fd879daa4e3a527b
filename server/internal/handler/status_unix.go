//go:build unix

package handler

import (
	"os"
	"syscall"
)

// getDiskUsage returns filesystem usage statistics for a given path
func getDiskUsage(path string) *DiskUsageInfo {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	var usedPercent float64
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	return &DiskUsageInfo{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
		UsedPercent:    usedPercent,
	}
}

// getDatabaseFiles reports the SQLite files that exist for path. The WAL is
// preallocated, so allocated blocks can differ from the apparent size.
func getDatabaseFiles(path string) []DatabaseFileInfo {
	var files []DatabaseFileInfo
	for _, p := range databaseFiles(path) {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}

		var actualBytes uint64
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			actualBytes = uint64(stat.Blocks) * 512
		}

		files = append(files, DatabaseFileInfo{
			Path:          p,
			ApparentBytes: uint64(info.Size()),
			ActualBytes:   actualBytes,
		})
	}
	return files
}
