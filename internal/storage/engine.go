// SPDX-License-Identifier: MIT

package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/log"
)

var (
	removedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrecd_storage_files_removed_total",
		Help: "Segment files removed, by eviction policy",
	}, []string{"policy"})

	freedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrecd_storage_bytes_freed_total",
		Help: "Bytes reclaimed, by eviction policy",
	}, []string{"policy"})
)

// Emergency cleanup never removes more than this many files per invocation,
// even if usage never drops to the target (e.g. Statfs misreporting).
const defaultEmergencyCap = 1000

// Snapshot is a point-in-time view of the recordings volume. It is always
// computed fresh; eviction decisions must never act on stale numbers.
type Snapshot struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	PercentUsed float64 `json:"percent_used"`
}

// FreeGigabytes returns free space in GiB.
func (s Snapshot) FreeGigabytes() float64 {
	return float64(s.FreeBytes) / (1024 * 1024 * 1024)
}

// CleanupReport summarises one eviction run.
type CleanupReport struct {
	DryRun       bool     `json:"dry_run"`
	FilesRemoved int      `json:"files_removed"`
	BytesFreed   int64    `json:"bytes_freed"`
	Candidates   []string `json:"candidates,omitempty"` // dry-run only
}

// Engine implements both eviction policies over one recordings tree.
type Engine struct {
	baseDir   string
	container string
	cfg       config.StorageConfig

	// Injectable for tests.
	now          func() time.Time
	statfs       func(path string) (Snapshot, error)
	emergencyCap int
}

// New creates an eviction engine rooted at the recordings base directory.
func New(baseDir, container string, cfg config.StorageConfig) *Engine {
	return &Engine{
		baseDir:      baseDir,
		container:    container,
		cfg:          cfg,
		now:          time.Now,
		statfs:       statfsSnapshot,
		emergencyCap: defaultEmergencyCap,
	}
}

// BaseDir returns the recordings root.
func (e *Engine) BaseDir() string { return e.baseDir }

// Usage computes the current disk snapshot. Never cached.
func (e *Engine) Usage() (Snapshot, error) {
	snap, err := e.statfs(e.baseDir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("disk usage for %s: %w", e.baseDir, err)
	}
	return snap, nil
}

// IsSpaceCritical reports whether usage exceeds the critical threshold.
func (e *Engine) IsSpaceCritical() bool {
	snap, err := e.Usage()
	if err != nil {
		return false
	}
	return snap.PercentUsed > float64(e.cfg.CriticalPercent)
}

// IsSpaceLow reports whether usage exceeds the low-space warning threshold.
func (e *Engine) IsSpaceLow() bool {
	snap, err := e.Usage()
	if err != nil {
		return false
	}
	return snap.PercentUsed > float64(e.cfg.LowSpacePercent)
}

type segmentFile struct {
	path    string
	size    int64
	modTime time.Time
}

// segmentFiles walks the tree and returns all rotated segment files.
// Marker files, in-progress temps and .original backups have different
// suffixes and are excluded by construction; they belong to the
// transcoder's retention sweep, not to eviction.
func (e *Engine) segmentFiles() ([]segmentFile, error) {
	suffix := "." + e.container
	var files []segmentFile
	err := filepath.WalkDir(e.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // raced with a concurrent delete
		}
		files = append(files, segmentFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recordings: %w", err)
	}
	return files, nil
}

// CleanupOld removes segment files whose modification time predates the
// retention cutoff, then prunes empty directories. Idempotent; safe to
// re-run. In dry-run mode nothing is touched and the report lists the
// candidates instead.
func (e *Engine) CleanupOld(dryRun bool) (CleanupReport, error) {
	logger := log.WithComponent("storage")
	cutoff := e.now().AddDate(0, 0, -e.cfg.RetentionDays)
	report := CleanupReport{DryRun: dryRun}

	files, err := e.segmentFiles()
	if err != nil {
		return report, err
	}

	logger.Info().Time("cutoff", cutoff).Bool("dry_run", dryRun).Msg("cleaning up aged recordings")

	for _, f := range files {
		if !f.modTime.Before(cutoff) {
			continue
		}
		if dryRun {
			report.Candidates = append(report.Candidates, f.path)
			logger.Info().Str("file", f.path).Int64("bytes", f.size).Msg("would remove")
			continue
		}
		if err := os.Remove(f.path); err != nil {
			logger.Error().Err(err).Str("file", f.path).Msg("failed to remove aged recording")
			continue
		}
		logger.Info().Str("file", f.path).Msg("removed aged recording")
		report.FilesRemoved++
		report.BytesFreed += f.size
	}

	if !dryRun {
		e.pruneEmptyDirs()
		removedTotal.WithLabelValues("scheduled").Add(float64(report.FilesRemoved))
		freedBytes.WithLabelValues("scheduled").Add(float64(report.BytesFreed))
	}
	return report, nil
}

// EmergencyCleanup deletes segment files strictly oldest-first, re-checking
// disk usage after every deletion, until usage drops to targetPercent or
// the safety cap is hit. Oldest-first keeps the most recent footage.
func (e *Engine) EmergencyCleanup(targetPercent float64) (CleanupReport, error) {
	logger := log.WithComponent("storage")
	logger.Warn().Float64("target_percent", targetPercent).Msg("starting emergency cleanup")

	report := CleanupReport{}
	files, err := e.segmentFiles()
	if err != nil {
		return report, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		snap, err := e.Usage()
		if err != nil {
			logger.Error().Err(err).Msg("disk usage unavailable, aborting emergency cleanup")
			break
		}
		if snap.PercentUsed <= targetPercent {
			logger.Info().Float64("percent_used", snap.PercentUsed).Msg("target disk usage reached")
			break
		}
		if report.FilesRemoved >= e.emergencyCap {
			logger.Error().Int("limit", e.emergencyCap).Msg("emergency cleanup safety cap reached")
			break
		}

		if err := os.Remove(f.path); err != nil {
			logger.Error().Err(err).Str("file", f.path).Msg("failed to remove during emergency cleanup")
			continue
		}
		logger.Warn().Str("file", f.path).Int64("bytes", f.size).Msg("emergency removed")
		report.FilesRemoved++
		report.BytesFreed += f.size
	}

	removedTotal.WithLabelValues("emergency").Add(float64(report.FilesRemoved))
	freedBytes.WithLabelValues("emergency").Add(float64(report.BytesFreed))
	return report, nil
}

// pruneEmptyDirs removes directories left empty by cleanup, deepest first.
// The base directory itself is kept.
func (e *Engine) pruneEmptyDirs() {
	logger := log.WithComponent("storage")
	var dirs []string
	_ = filepath.WalkDir(e.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != e.baseDir {
			dirs = append(dirs, path)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			logger.Debug().Str("dir", dir).Msg("removed empty directory")
		}
	}
}

// ValidateStorage checks that the base directory exists (creating it if
// missing), is writable, and has workable free space. All problems are
// collected so the operator sees everything at once.
func (e *Engine) ValidateStorage() []string {
	var problems []string

	if _, err := os.Stat(e.baseDir); os.IsNotExist(err) {
		if err := os.MkdirAll(e.baseDir, 0o755); err != nil {
			problems = append(problems, fmt.Sprintf("cannot create base directory: %v", err))
			return problems
		}
		logger := log.WithComponent("storage")
		logger.Info().Str("dir", e.baseDir).Msg("created base directory")
	}

	// Touch-then-remove writability probe.
	probe := filepath.Join(e.baseDir, ".write_test")
	if f, err := os.Create(probe); err != nil { // #nosec G304 -- scoped to base dir
		problems = append(problems, fmt.Sprintf("base directory not writable: %v", err))
	} else {
		_ = f.Close()
		_ = os.Remove(probe)
	}

	if snap, err := e.Usage(); err == nil {
		if snap.FreeGigabytes() < float64(e.cfg.MinFreeGigabytes) {
			problems = append(problems, fmt.Sprintf("low disk space: only %.1f GB available", snap.FreeGigabytes()))
		}
		if snap.PercentUsed > float64(e.cfg.CriticalPercent) {
			problems = append(problems, fmt.Sprintf("disk usage critical: %.1f%%", snap.PercentUsed))
		}
	}

	return problems
}
