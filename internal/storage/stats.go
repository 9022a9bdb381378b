// SPDX-License-Identifier: MIT

package storage

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CameraStats summarises the recordings of a single camera directory.
type CameraStats struct {
	FileCount  int       `json:"file_count"`
	TotalBytes int64     `json:"total_bytes"`
	LatestFile string    `json:"latest_file,omitempty"`
	LatestTime time.Time `json:"latest_time,omitempty"`
	OldestFile string    `json:"oldest_file,omitempty"`
	OldestTime time.Time `json:"oldest_time,omitempty"`
}

// TreeStats summarises the whole recordings tree plus the disk snapshot.
type TreeStats struct {
	TotalFiles int                    `json:"total_files"`
	TotalBytes int64                  `json:"total_bytes"`
	Cameras    map[string]CameraStats `json:"cameras"`
	Disk       Snapshot               `json:"disk"`
}

// RecordingStats scans each camera directory under the base and returns
// per-camera and aggregate totals.
func (e *Engine) RecordingStats() (TreeStats, error) {
	stats := TreeStats{Cameras: map[string]CameraStats{}}

	entries, err := os.ReadDir(e.baseDir)
	if err != nil {
		return stats, err
	}

	suffix := "." + e.container
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		camDir := filepath.Join(e.baseDir, entry.Name())
		files, err := os.ReadDir(camDir)
		if err != nil {
			continue
		}

		var cam CameraStats
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), suffix) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			cam.FileCount++
			cam.TotalBytes += info.Size()
			if cam.LatestFile == "" || info.ModTime().After(cam.LatestTime) {
				cam.LatestFile, cam.LatestTime = f.Name(), info.ModTime()
			}
			if cam.OldestFile == "" || info.ModTime().Before(cam.OldestTime) {
				cam.OldestFile, cam.OldestTime = f.Name(), info.ModTime()
			}
		}
		if cam.FileCount == 0 {
			continue
		}
		stats.Cameras[entry.Name()] = cam
		stats.TotalFiles += cam.FileCount
		stats.TotalBytes += cam.TotalBytes
	}

	if snap, err := e.Usage(); err == nil {
		stats.Disk = snap
	}
	return stats, nil
}
