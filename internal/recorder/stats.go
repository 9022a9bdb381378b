// SPDX-License-Identifier: MIT

package recorder

import (
	"os"
	"strings"
	"time"
)

// SegmentInfo describes the most recent rotated segment.
type SegmentInfo struct {
	Name     string    `json:"name"`
	Bytes    int64     `json:"bytes"`
	Modified time.Time `json:"modified"`
}

// SessionStats is a filesystem-only view of one camera session. It never
// touches the encoder process.
type SessionStats struct {
	CameraID   string       `json:"camera_id"`
	State      State        `json:"state"`
	Alive      bool         `json:"alive"`
	OutputDir  string       `json:"output_dir"`
	FileCount  int          `json:"file_count"`
	TotalBytes int64        `json:"total_bytes"`
	Latest     *SegmentInfo `json:"latest,omitempty"`
}

// Stats reads segment totals for this session's output directory.
func (s *Supervisor) Stats() SessionStats {
	stats := SessionStats{
		CameraID:  s.id,
		State:     s.State(),
		Alive:     s.IsAlive(),
		OutputDir: s.spec.OutputDir,
	}

	entries, err := os.ReadDir(s.spec.OutputDir)
	if err != nil {
		return stats
	}

	prefix := s.id + "_"
	suffix := "." + s.spec.Container
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
		if stats.Latest == nil || info.ModTime().After(stats.Latest.Modified) {
			stats.Latest = &SegmentInfo{Name: name, Bytes: info.Size(), Modified: info.ModTime()}
		}
	}
	return stats
}
