// SPDX-License-Identifier: MIT

package transcode

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/camrecd/camrecd/internal/config"
)

// Skip reasons returned by CheckEligible, reported in scan summaries.
const (
	SkipTooNew     = "too_new"
	SkipTranscoded = "already_transcoded"
	SkipInProgress = "in_progress"
)

// inWindow reports whether t falls inside the [start,end] schedule,
// inclusive on both ends. A start after the end means the window wraps
// midnight (22:00 to 06:00).
func inWindow(t time.Time, start, end config.Clock) bool {
	now := t.Hour()*60 + t.Minute()
	if start.Minutes() <= end.Minutes() {
		return start.Minutes() <= now && now <= end.Minutes()
	}
	return now >= start.Minutes() || now <= end.Minutes()
}

// CheckEligible applies the cheap, filesystem-only gates to one segment
// and returns a skip reason, or "" when the file may proceed to the codec
// probe. It is a pure function of its arguments plus two marker stat
// calls, so a concurrent scanner reaches the same verdict.
func CheckEligible(path string, modTime, now time.Time, minAge time.Duration, ignoreAge bool) string {
	if !ignoreAge && now.Sub(modTime) < minAge {
		return SkipTooNew
	}
	if IsTranscodedName(filepath.Base(path)) {
		return SkipTranscoded
	}
	if _, err := os.Stat(path + MarkerSuffix); err == nil {
		return SkipTranscoded
	}
	if _, err := os.Stat(path + InProgressSuffix); err == nil {
		return SkipInProgress
	}
	return ""
}

type candidate struct {
	path    string
	modTime time.Time
}

// scanCandidates walks the per-camera directories one level deep, the
// layout the recorder produces, and returns eligible segments oldest
// first. The codec probe is deliberately not applied here; it costs a
// subprocess per file and belongs to the caller's slow path.
func scanCandidates(baseDir, container string, now time.Time, minAge time.Duration, ignoreAge bool) ([]candidate, map[string]int, error) {
	skipped := map[string]int{}
	var found []candidate

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		camDir := filepath.Join(baseDir, entry.Name())
		files, err := os.ReadDir(camDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), "."+container) {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(camDir, f.Name())
			if reason := CheckEligible(path, info.ModTime(), now, minAge, ignoreAge); reason != "" {
				skipped[reason]++
				continue
			}
			found = append(found, candidate{path: path, modTime: info.ModTime()})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].modTime.Before(found[j].modTime) })
	return found, skipped, nil
}
