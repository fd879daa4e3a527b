//go:build windows

package handler

import (
	"os"

	"golang.org/x/sys/windows"
)

// getDiskUsage returns filesystem usage statistics for a given path
func getDiskUsage(path string) *DiskUsageInfo {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return nil
	}

	usedBytes := totalBytes - totalFreeBytes

	var usedPercent float64
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	return &DiskUsageInfo{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: freeBytesAvailable,
		UsedPercent:    usedPercent,
	}
}

// getDatabaseFiles reports the SQLite files that exist for path.
// Allocated size is not queried on Windows; it is reported as the file size.
func getDatabaseFiles(path string) []DatabaseFileInfo {
	var files []DatabaseFileInfo
	for _, p := range databaseFiles(path) {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		size := uint64(info.Size())
		files = append(files, DatabaseFileInfo{
			Path:          p,
			ApparentBytes: size,
			ActualBytes:   size,
		})
	}
	return files
}
