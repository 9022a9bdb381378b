// SPDX-License-Identifier: MIT

package transcode

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// InProgressSuffix tags the temporary output of a running transcode.
	// Creating it (O_EXCL) is also the claim step that keeps two scanners
	// off the same file.
	InProgressSuffix = ".transcoding"
	// MarkerSuffix tags the completion marker written at commit time.
	MarkerSuffix = ".transcoded"
	// BackupSuffix tags the renamed original kept for the safety window.
	BackupSuffix = ".original"
	// TranscodedTag appears in the filename of a replaced segment
	// (cam1_x.mp4 becomes cam1_x.hevc.mp4), the fast already-done check.
	TranscodedTag = ".hevc."
)

// Marker is the persisted record of one committed replacement. Its JSON
// layout is stable: the retention sweep of any later process version must
// be able to read markers written by this one.
type Marker struct {
	TranscodedAt   time.Time `json:"transcoded_at"`
	OriginalSize   int64     `json:"original_size"`
	TranscodedSize int64     `json:"transcoded_size"`
	SavingsBytes   int64     `json:"savings_bytes"`
	OriginalBackup string    `json:"original_backup"`
	OriginalName   string    `json:"original_name"`
	DeleteAfter    time.Time `json:"delete_after"`
}

// WriteMarker commits the marker atomically. This is the final step of the
// replacement: a crash before it leaves the backup and the renamed output
// in place, both harmless and re-discoverable.
func WriteMarker(path string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return nil
}

// ReadMarker loads a completion marker.
func ReadMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from our own tree walk
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker %s: %w", path, err)
	}
	return m, nil
}

// IsTranscodedName reports the filename fast path: a segment already
// carrying the codec tag needs no marker lookup.
func IsTranscodedName(name string) bool {
	return strings.Contains(name, TranscodedTag)
}
