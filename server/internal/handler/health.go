package handler

import (
	"context"
	"net/http"
	"path/filepath"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// DiskUsageInfo describes the filesystem holding the database.
type DiskUsageInfo struct {
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

// DatabaseFileInfo is the size of one SQLite file.
type DatabaseFileInfo struct {
	Path          string `json:"path"`
	ApparentBytes uint64 `json:"apparent_bytes"`
	ActualBytes   uint64 `json:"actual_bytes"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status        string             `json:"status"`
	Checks        map[string]string  `json:"checks,omitempty"`
	Sessions      map[string]int     `json:"sessions"`
	Disk          *DiskUsageInfo     `json:"disk,omitempty"`
	DatabaseFiles []DatabaseFileInfo `json:"database_files,omitempty"`
}

// Health reports "ok", or "degraded" with 503 when a dependency check fails.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Sessions: map[string]int{
			h.sse.Kind():        h.sse.Len(),
			h.streamable.Kind(): h.streamable.Len(),
		},
	}

	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		for _, c := range h.checks {
			if err := c.Check(ctx); err != nil {
				resp.Status = "degraded"
				resp.Checks[c.Name] = err.Error()
				continue
			}
			resp.Checks[c.Name] = "ok"
		}
	}

	if h.cfg.DatabaseDriver == "sqlite" {
		path := h.cfg.SQLitePath()
		if path != ":memory:" {
			resp.Disk = getDiskUsage(filepath.Dir(path))
			resp.DatabaseFiles = getDatabaseFiles(path)
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, resp)
}

// databaseFiles lists the SQLite main, WAL and shared-memory files.
func databaseFiles(path string) []string {
	return []string{path, path + "-wal", path + "-shm"}
}
