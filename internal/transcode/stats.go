// SPDX-License-Identifier: MIT

package transcode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/camrecd/camrecd/internal/log"
)

// StatsFileName is the aggregate counter file at the recordings root. It
// survives restarts so totals cover the lifetime of the archive, not the
// process.
const StatsFileName = ".transcoding_stats.json"

// Stats are the lifetime counters of the pipeline.
type Stats struct {
	FilesTranscoded      int    `json:"files_transcoded"`
	FilesFailed          int    `json:"files_failed"`
	TotalOriginalBytes   int64  `json:"total_original_bytes"`
	TotalTranscodedBytes int64  `json:"total_transcoded_bytes"`
	SpaceSavedBytes      int64  `json:"space_saved_bytes"`
	LastTranscoded       string `json:"last_transcoded,omitempty"`
	LastError            string `json:"last_error,omitempty"`
}

// SavingsPercent returns the lifetime size reduction ratio.
func (s Stats) SavingsPercent() float64 {
	if s.TotalOriginalBytes == 0 {
		return 0
	}
	return float64(s.SpaceSavedBytes) / float64(s.TotalOriginalBytes) * 100
}

// Tracker owns the stats counters and their on-disk copy. Updates come
// from the scheduler loop, reads from the HTTP status handler.
type Tracker struct {
	mu     sync.RWMutex
	path   string
	stats  Stats
	logger zerolog.Logger
}

// NewTracker loads any previous counters from the recordings root. A
// missing or corrupt file starts from zero.
func NewTracker(baseDir string) *Tracker {
	t := &Tracker{
		path:   filepath.Join(baseDir, StatsFileName),
		logger: log.WithComponent("transcode"),
	}
	data, err := os.ReadFile(t.path)
	if err == nil {
		if err := json.Unmarshal(data, &t.stats); err != nil {
			t.logger.Warn().Err(err).Str("path", t.path).Msg("ignoring unreadable stats file")
			t.stats = Stats{}
		}
	}
	return t
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// RecordSuccess accounts a committed replacement.
func (t *Tracker) RecordSuccess(origSize, newSize int64, at time.Time) {
	t.mu.Lock()
	t.stats.FilesTranscoded++
	t.stats.TotalOriginalBytes += origSize
	t.stats.TotalTranscodedBytes += newSize
	t.stats.SpaceSavedBytes += origSize - newSize
	t.stats.LastTranscoded = at.Format(time.RFC3339)
	t.mu.Unlock()
	t.persist()
}

// RecordFailure accounts a failed attempt.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	t.stats.FilesFailed++
	t.stats.LastError = err.Error()
	t.mu.Unlock()
	t.persist()
}

// persist writes the counters atomically. Failures are logged and
// swallowed; stats persistence must never stall the pipeline.
func (t *Tracker) persist() {
	t.mu.RLock()
	data, err := json.MarshalIndent(t.stats, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		t.logger.Error().Err(err).Msg("marshal stats")
		return
	}
	if err := renameio.WriteFile(t.path, data, 0o644); err != nil {
		t.logger.Error().Err(err).Str("path", t.path).Msg("persist stats")
	}
}
