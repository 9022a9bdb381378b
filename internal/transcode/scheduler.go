// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/ffmpeg"
	"github.com/camrecd/camrecd/internal/log"
	"github.com/camrecd/camrecd/internal/storage"
	"github.com/camrecd/camrecd/internal/sysload"
)

var (
	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrecd_transcode_files_total",
		Help: "Transcode attempts by result",
	}, []string{"result"})

	bytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrecd_transcode_bytes_saved_total",
		Help: "Bytes reclaimed by committed replacements",
	})

	backupsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrecd_transcode_backups_swept_total",
		Help: "Original backups deleted after their retention deadline",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camrecd_transcode_queue_depth",
		Help: "Forced candidates waiting to be transcoded",
	})
)

// Smallest output the pipeline accepts as a plausible video file.
const minPlayableBytes = 1000

// Duration drift tolerated between original and re-encode, in seconds.
const durationTolerance = 1.0

// Encoder is the subset of the process gateway the pipeline needs.
type Encoder interface {
	RunTranscode(ctx context.Context, spec ffmpeg.TranscodeSpec) (ffmpeg.Result, error)
	VerifyDecode(ctx context.Context, path string) error
	Probe(ctx context.Context, path string) (ffmpeg.StreamInfo, error)
}

// delays are the pacing constants of the loop. Every wait observes the
// run context, so shutdown is never slower than one in-flight encode.
type delays struct {
	idleScan     time.Duration // no candidates found
	windowCheck  time.Duration // outside the schedule window
	gateRetry    time.Duration // host too busy
	betweenFiles time.Duration // after each scheduled file
	forcePause   time.Duration // after each forced file
}

func defaultDelays() delays {
	return delays{
		idleScan:     time.Hour,
		windowCheck:  5 * time.Minute,
		gateRetry:    5 * time.Minute,
		betweenFiles: time.Minute,
		forcePause:   5 * time.Second,
	}
}

// Status is the live view served by the HTTP API.
type Status struct {
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	CurrentFile string `json:"current_file,omitempty"`
	InSchedule  bool   `json:"in_schedule"`
	QueueSize   int    `json:"queue_size"`
	Stats       Stats  `json:"stats"`
}

// Scheduler drives the background re-encode pipeline: discover aged
// segments, wait for an idle host, transcode one file at a time, verify,
// commit, sweep expired backups.
type Scheduler struct {
	cfg       config.TranscodingConfig
	baseDir   string
	container string
	enc       Encoder
	tracker   *Tracker
	logger    zerolog.Logger

	start, end config.Clock

	// How long an in-flight encode may keep running after the run context
	// is cancelled. Shutdown is observed between files; mid-file only this
	// deadline cuts an encode short.
	stopGrace time.Duration

	// Injectable for tests.
	now         func() time.Time
	load        sysload.Provider
	usage       func() (storage.Snapshot, error)
	pace        delays
	writeMarker func(path string, m Marker) error

	force chan string

	mu      sync.Mutex
	running bool
	current string
	queued  int
}

// New builds a scheduler over the recordings tree. The storage engine
// supplies live disk snapshots for the resource gate.
func New(cfg config.TranscodingConfig, baseDir, container string, enc Encoder, eng *storage.Engine) (*Scheduler, error) {
	start, err := config.ParseClock(cfg.ScheduleStart)
	if err != nil {
		return nil, fmt.Errorf("schedule start: %w", err)
	}
	end, err := config.ParseClock(cfg.ScheduleEnd)
	if err != nil {
		return nil, fmt.Errorf("schedule end: %w", err)
	}

	return &Scheduler{
		cfg:         cfg,
		baseDir:     baseDir,
		container:   container,
		enc:         enc,
		tracker:     NewTracker(baseDir),
		logger:      log.WithComponent("transcode"),
		start:       start,
		end:         end,
		stopGrace:   5 * time.Minute,
		now:         time.Now,
		load:        sysload.Read,
		usage:       eng.Usage,
		pace:        defaultDelays(),
		writeMarker: WriteMarker,
		force:       make(chan string, 1024),
	}, nil
}

// Run is the pipeline loop. It blocks until ctx is cancelled; the caller
// owns the goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.setRunning(true)
	defer s.setRunning(false)
	s.logger.Info().
		Str("window", s.cfg.ScheduleStart+"-"+s.cfg.ScheduleEnd).
		Int("min_age_days", s.cfg.MinAgeDays).
		Msg("transcoder started")

	for {
		if ctx.Err() != nil {
			return
		}

		// Forced work preempts the schedule: no window, no resource gate.
		select {
		case path := <-s.force:
			s.decQueue()
			s.process(ctx, path)
			s.sweepAndLog()
			if !s.sleep(ctx, s.pace.forcePause) {
				return
			}
			continue
		default:
		}

		if !inWindow(s.now(), s.start, s.end) {
			if !s.sleep(ctx, s.pace.windowCheck) {
				return
			}
			continue
		}

		minAge := time.Duration(s.cfg.MinAgeDays) * 24 * time.Hour
		cands, skipped, err := scanCandidates(s.baseDir, s.container, s.now(), minAge, false)
		if err != nil {
			s.logger.Error().Err(err).Msg("candidate scan failed")
			if !s.sleep(ctx, s.pace.idleScan) {
				return
			}
			continue
		}
		if len(cands) == 0 {
			s.logger.Debug().Interface("skipped", skipped).Msg("no transcode candidates")
			if !s.sleep(ctx, s.pace.idleScan) {
				return
			}
			continue
		}
		s.logger.Info().Int("candidates", len(cands)).Interface("skipped", skipped).Msg("candidate scan complete")

		for _, c := range cands {
			if ctx.Err() != nil {
				return
			}
			if !inWindow(s.now(), s.start, s.end) {
				break
			}
			for !s.gateOpen() {
				s.logger.Info().Msg("host busy, deferring transcode")
				if !s.sleep(ctx, s.pace.gateRetry) {
					return
				}
			}
			s.process(ctx, c.path)
			s.sweepAndLog()
			if !s.sleep(ctx, s.pace.betweenFiles) {
				return
			}
		}
	}
}

// ForceNow queues every eligible segment regardless of age or schedule.
// The scan runs on its own goroutine so the HTTP handler returns
// immediately; discovered files stream into the force queue.
func (s *Scheduler) ForceNow(ctx context.Context) {
	s.logger.Info().Msg("forced transcode requested, scanning")
	go func() {
		cands, skipped, err := scanCandidates(s.baseDir, s.container, s.now(), 0, true)
		if err != nil {
			s.logger.Error().Err(err).Msg("forced scan failed")
			return
		}
		enqueued := 0
		for _, c := range cands {
			// The cheap gates passed; the codec probe is the last filter
			// before a file earns a queue slot.
			info, err := s.enc.Probe(ctx, c.path)
			if err != nil || !isSourceCodec(info.Codec) {
				continue
			}
			s.incQueue()
			select {
			case s.force <- c.path:
				enqueued++
			case <-ctx.Done():
				s.decQueue()
				return
			}
		}
		s.logger.Info().Int("enqueued", enqueued).Interface("skipped", skipped).Msg("forced scan complete")
	}()
}

// Status returns the live pipeline state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	running := s.running
	current := s.current
	queued := s.queued
	s.mu.Unlock()

	inSchedule := false
	if running {
		inSchedule = inWindow(s.now(), s.start, s.end)
	}
	return Status{
		Enabled:     s.cfg.Enabled,
		Running:     running,
		CurrentFile: current,
		InSchedule:  inSchedule,
		QueueSize:   queued,
		Stats:       s.tracker.Snapshot(),
	}
}

// Stats returns the lifetime counters.
func (s *Scheduler) Stats() Stats { return s.tracker.Snapshot() }

// gateOpen checks host load and free space. Any sampling error closes the
// gate; a blind transcode is worse than a deferred one.
func (s *Scheduler) gateOpen() bool {
	sample, err := s.load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("load sample failed")
		return false
	}
	if sample.BusyPercent > s.cfg.MaxCPUPercent {
		s.logger.Debug().Float64("cpu", sample.BusyPercent).Msg("cpu above transcode limit")
		return false
	}
	if sample.IOWaitPercent > s.cfg.MaxIOWaitPercent {
		s.logger.Debug().Float64("iowait", sample.IOWaitPercent).Msg("iowait above transcode limit")
		return false
	}
	snap, err := s.usage()
	if err != nil {
		s.logger.Warn().Err(err).Msg("disk usage probe failed")
		return false
	}
	if snap.FreeGigabytes() < float64(s.cfg.MinFreeSpaceGB) {
		s.logger.Debug().Float64("free_gb", snap.FreeGigabytes()).Msg("not enough headroom for transcode")
		return false
	}
	return true
}

// detachWithGrace returns a context that survives cancellation of parent
// for up to grace, so an in-flight encode finishes while the rest of the
// shutdown proceeds.
func detachWithGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	unregister := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		unregister()
		cancel()
	}
}

// process takes one segment through claim, encode, verify and commit.
// Every failure path removes the temp output; the original is untouched
// until the final rename sequence. Cancellation of ctx lets the current
// file run to completion within the grace deadline; a file cut short by
// the deadline is cleaned up and not counted as a failure.
func (s *Scheduler) process(ctx context.Context, path string) {
	s.setCurrent(path)
	defer s.setCurrent("")

	ctx, release := detachWithGrace(ctx, s.stopGrace)
	defer release()

	logger := s.logger.With().Str("file", filepath.Base(path)).Logger()

	origStat, err := os.Stat(path)
	if err != nil {
		logger.Warn().Err(err).Msg("candidate vanished before transcode")
		return
	}
	// The scan result may be stale; re-apply the cheap gates.
	if reason := CheckEligible(path, origStat.ModTime(), s.now(), 0, true); reason != "" {
		logger.Debug().Str("reason", reason).Msg("candidate no longer eligible")
		return
	}

	origInfo, err := s.enc.Probe(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Msg("probe failed, skipping")
		return
	}
	if !isSourceCodec(origInfo.Codec) {
		logger.Debug().Str("codec", origInfo.Codec).Msg("not a re-encode source, skipping")
		return
	}

	// O_EXCL creation of the temp output is the claim: a concurrent
	// scanner loses the race here, not at commit time.
	temp := path + InProgressSuffix
	claim, err := os.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // #nosec G304
	if err != nil {
		if os.IsExist(err) {
			logger.Debug().Msg("already claimed by another worker")
			return
		}
		logger.Error().Err(err).Msg("cannot claim candidate")
		return
	}
	_ = claim.Close()

	logger.Info().Int64("bytes", origStat.Size()).Msg("transcoding")
	res, err := s.enc.RunTranscode(ctx, ffmpeg.TranscodeSpec{
		Input:   path,
		Output:  temp,
		Codec:   s.cfg.Codec,
		Quality: s.cfg.Quality,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.discard(logger, temp, "encode cut short by shutdown")
			return
		}
		s.fail(logger, temp, fmt.Errorf("%s: encode: %w", filepath.Base(path), err))
		return
	}

	if err := s.verify(ctx, path, temp, origInfo); err != nil {
		if ctx.Err() != nil {
			s.discard(logger, temp, "verification cut short by shutdown")
			return
		}
		s.fail(logger, temp, fmt.Errorf("%s: %w", filepath.Base(path), err))
		return
	}

	finalPath, marker, err := s.replace(path, temp)
	if err != nil {
		s.fail(logger, temp, fmt.Errorf("%s: replace: %w", filepath.Base(path), err))
		return
	}

	filesTotal.WithLabelValues("ok").Inc()
	bytesSaved.Add(float64(marker.SavingsBytes))
	s.tracker.RecordSuccess(marker.OriginalSize, marker.TranscodedSize, s.now())
	logger.Info().
		Str("output", filepath.Base(finalPath)).
		Int64("saved_bytes", marker.SavingsBytes).
		Dur("elapsed", res.Elapsed).
		Msg("transcode committed")
}

// discard drops the temp output without touching the failure counters.
// The segment stays eligible and is picked up again on the next run.
func (s *Scheduler) discard(logger zerolog.Logger, temp, why string) {
	logger.Info().Msg(why)
	if rmErr := os.Remove(temp); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.Warn().Err(rmErr).Msg("temp output not removed")
	}
}

func (s *Scheduler) fail(logger zerolog.Logger, temp string, err error) {
	logger.Error().Err(err).Msg("transcode failed")
	if rmErr := os.Remove(temp); rmErr != nil && !os.IsNotExist(rmErr) {
		logger.Warn().Err(rmErr).Msg("temp output not removed")
	}
	filesTotal.WithLabelValues("error").Inc()
	s.tracker.RecordFailure(err)
}

// verify decides whether the re-encode may replace the original. The
// size floor always applies; the remaining checks follow the
// verify_quality switch.
func (s *Scheduler) verify(ctx context.Context, original, temp string, origInfo ffmpeg.StreamInfo) error {
	tempStat, err := os.Stat(temp)
	if err != nil {
		return fmt.Errorf("verify: output missing: %w", err)
	}
	if tempStat.Size() < minPlayableBytes {
		return fmt.Errorf("verify: output implausibly small (%d bytes)", tempStat.Size())
	}
	if !s.cfg.Verify() {
		return nil
	}

	newInfo, err := s.enc.Probe(ctx, temp)
	if err != nil {
		return fmt.Errorf("verify: probe output: %w", err)
	}
	if diff := math.Abs(origInfo.Duration - newInfo.Duration); diff > durationTolerance {
		return fmt.Errorf("verify: duration drift %.1fs", diff)
	}
	if origInfo.Width != newInfo.Width || origInfo.Height != newInfo.Height {
		return fmt.Errorf("verify: resolution changed %dx%d -> %dx%d",
			origInfo.Width, origInfo.Height, newInfo.Width, newInfo.Height)
	}

	origStat, err := os.Stat(original)
	if err != nil {
		return fmt.Errorf("verify: original vanished: %w", err)
	}
	savings := float64(origStat.Size()-tempStat.Size()) / float64(origStat.Size()) * 100
	if savings < s.cfg.MinSavingsPercent {
		return fmt.Errorf("verify: savings %.1f%% below %.1f%% floor", savings, s.cfg.MinSavingsPercent)
	}

	if err := s.enc.VerifyDecode(ctx, temp); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

// replace commits a verified re-encode. Order matters: original aside,
// output into place, marker last. A crash between any two steps leaves
// only re-discoverable state behind.
func (s *Scheduler) replace(original, temp string) (string, Marker, error) {
	origStat, err := os.Stat(original)
	if err != nil {
		return "", Marker{}, err
	}
	tempStat, err := os.Stat(temp)
	if err != nil {
		return "", Marker{}, err
	}

	backup := original + BackupSuffix
	if err := os.Rename(original, backup); err != nil {
		return "", Marker{}, fmt.Errorf("rename original aside: %w", err)
	}

	stem := strings.TrimSuffix(original, "."+s.container)
	finalPath := stem + TranscodedTag + s.container
	if err := os.Rename(temp, finalPath); err != nil {
		// Put the original back; the temp stays for the caller to remove.
		if rbErr := os.Rename(backup, original); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("backup", backup).Msg("rollback failed, original left under backup name")
		}
		return "", Marker{}, fmt.Errorf("rename output into place: %w", err)
	}

	now := s.now()
	m := Marker{
		TranscodedAt:   now,
		OriginalSize:   origStat.Size(),
		TranscodedSize: tempStat.Size(),
		SavingsBytes:   origStat.Size() - tempStat.Size(),
		OriginalBackup: backup,
		OriginalName:   filepath.Base(original),
		DeleteAfter:    now.Add(time.Duration(s.cfg.KeepOriginalDays) * 24 * time.Hour),
	}
	if err := s.writeMarker(finalPath+MarkerSuffix, m); err != nil {
		// Without a marker the backup would never be swept, so the commit
		// is off: undo both renames and report the failure.
		if rbErr := os.Rename(finalPath, temp); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("file", finalPath).Msg("rollback failed, replacement left in place without marker")
			return "", Marker{}, fmt.Errorf("write marker: %w", err)
		}
		if rbErr := os.Rename(backup, original); rbErr != nil {
			s.logger.Error().Err(rbErr).Str("backup", backup).Msg("rollback failed, original left under backup name")
		}
		return "", Marker{}, fmt.Errorf("write marker: %w", err)
	}
	return finalPath, m, nil
}

// SweepExpiredBackups deletes original backups whose retention deadline
// has passed, and their markers with them. Safe to call at any time.
func (s *Scheduler) SweepExpiredBackups() (removed int) {
	matches, err := filepath.Glob(filepath.Join(s.baseDir, "*", "*"+MarkerSuffix))
	if err != nil {
		return 0
	}
	now := s.now()
	for _, markerPath := range matches {
		m, err := ReadMarker(markerPath)
		if err != nil {
			s.logger.Warn().Err(err).Str("marker", markerPath).Msg("unreadable marker")
			continue
		}
		if m.DeleteAfter.IsZero() || !now.After(m.DeleteAfter) {
			continue
		}
		if err := os.Remove(m.OriginalBackup); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("backup", m.OriginalBackup).Msg("backup delete failed")
			continue
		}
		if err := os.Remove(markerPath); err != nil {
			s.logger.Warn().Err(err).Str("marker", markerPath).Msg("marker delete failed")
			continue
		}
		removed++
		backupsSwept.Inc()
		s.logger.Info().Str("backup", filepath.Base(m.OriginalBackup)).Msg("retention expired, backup deleted")
	}
	return removed
}

func (s *Scheduler) sweepAndLog() {
	if n := s.SweepExpiredBackups(); n > 0 {
		s.logger.Info().Int("removed", n).Msg("backup sweep complete")
	}
}

// isSourceCodec reports whether a stream is worth re-encoding.
func isSourceCodec(codec string) bool {
	return codec == "h264" || codec == "avc"
}

// sleep waits d or until ctx ends; false means shutdown.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Scheduler) setCurrent(path string) {
	s.mu.Lock()
	s.current = path
	s.mu.Unlock()
}

func (s *Scheduler) incQueue() {
	s.mu.Lock()
	s.queued++
	s.mu.Unlock()
	queueDepth.Inc()
}

func (s *Scheduler) decQueue() {
	s.mu.Lock()
	if s.queued > 0 {
		s.queued--
	}
	s.mu.Unlock()
	queueDepth.Dec()
}
