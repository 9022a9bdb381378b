// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/ffmpeg"
	"github.com/camrecd/camrecd/internal/storage"
	"github.com/camrecd/camrecd/internal/sysload"
)

type fakeEncoder struct {
	outputBytes int64
	duration    float64
	encodeErr   error
	decodeErr   error
	encodes     int

	// run replaces the default transcode behavior when set.
	run func(ctx context.Context, spec ffmpeg.TranscodeSpec) (ffmpeg.Result, error)
}

func (f *fakeEncoder) RunTranscode(ctx context.Context, spec ffmpeg.TranscodeSpec) (ffmpeg.Result, error) {
	f.encodes++
	if f.run != nil {
		return f.run(ctx, spec)
	}
	if f.encodeErr != nil {
		return ffmpeg.Result{ExitCode: 1}, f.encodeErr
	}
	if err := os.WriteFile(spec.Output, make([]byte, f.outputBytes), 0o644); err != nil {
		return ffmpeg.Result{}, err
	}
	return ffmpeg.Result{Elapsed: time.Second}, nil
}

func (f *fakeEncoder) VerifyDecode(context.Context, string) error { return f.decodeErr }

func (f *fakeEncoder) Probe(_ context.Context, path string) (ffmpeg.StreamInfo, error) {
	info := ffmpeg.StreamInfo{Codec: "h264", Width: 1280, Height: 720, Duration: 1800}
	if IsTranscodedName(filepath.Base(path)) || filepath.Ext(path) == InProgressSuffix {
		info.Codec = "hevc"
		if f.duration != 0 {
			info.Duration = f.duration
		}
	}
	return info, nil
}

func testConfig() config.TranscodingConfig {
	return config.TranscodingConfig{
		Enabled:           true,
		MinAgeDays:        7,
		ScheduleStart:     "02:00",
		ScheduleEnd:       "06:00",
		MaxCPUPercent:     15,
		MaxIOWaitPercent:  5,
		Codec:             "hevc_vaapi",
		Quality:           23,
		KeepOriginalDays:  1,
		MinFreeSpaceGB:    1,
		MinSavingsPercent: 10,
	}
}

func newTestScheduler(t *testing.T, enc Encoder, cfg config.TranscodingConfig) (*Scheduler, string) {
	t.Helper()
	base := t.TempDir()
	eng := storage.New(base, "mp4", config.StorageConfig{CriticalPercent: 95, LowSpacePercent: 85})
	s, err := New(cfg, base, "mp4", enc, eng)
	require.NoError(t, err)
	s.load = func() (sysload.Sample, error) { return sysload.Sample{BusyPercent: 1}, nil }
	s.usage = func() (storage.Snapshot, error) {
		return storage.Snapshot{FreeBytes: 500 << 30, TotalBytes: 1000 << 30, PercentUsed: 50}, nil
	}
	return s, base
}

func writeSegment(t *testing.T, base, cam, name string, size int64, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(base, cam)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestInWindow(t *testing.T) {
	day := func(h, m int) time.Time {
		return time.Date(2026, 8, 25, h, m, 0, 0, time.UTC)
	}
	start := config.Clock{Hour: 2, Minute: 0}
	end := config.Clock{Hour: 6, Minute: 0}

	assert.True(t, inWindow(day(2, 0), start, end))
	assert.True(t, inWindow(day(4, 30), start, end))
	assert.True(t, inWindow(day(6, 0), start, end))
	assert.False(t, inWindow(day(1, 59), start, end))
	assert.False(t, inWindow(day(6, 1), start, end))

	// Overnight window wraps midnight.
	night := config.Clock{Hour: 22, Minute: 0}
	morning := config.Clock{Hour: 6, Minute: 0}
	assert.True(t, inWindow(day(23, 0), night, morning))
	assert.True(t, inWindow(day(3, 0), night, morning))
	assert.False(t, inWindow(day(12, 0), night, morning))
}

func TestCheckEligible(t *testing.T) {
	base := t.TempDir()
	now := time.Now()
	minAge := 7 * 24 * time.Hour
	old := now.Add(-8 * 24 * time.Hour)

	fresh := filepath.Join(base, "cam1_new.mp4")
	aged := filepath.Join(base, "cam1_old.mp4")
	tagged := filepath.Join(base, "cam1_done.hevc.mp4")
	marked := filepath.Join(base, "cam1_marked.mp4")
	claimed := filepath.Join(base, "cam1_busy.mp4")
	for _, p := range []string{fresh, aged, tagged, marked, claimed} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(marked+MarkerSuffix, []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(claimed+InProgressSuffix, []byte(""), 0o644))

	assert.Equal(t, SkipTooNew, CheckEligible(fresh, now, now, minAge, false))
	assert.Equal(t, "", CheckEligible(aged, old, now, minAge, false))
	assert.Equal(t, SkipTranscoded, CheckEligible(tagged, old, now, minAge, false))
	assert.Equal(t, SkipTranscoded, CheckEligible(marked, old, now, minAge, false))
	assert.Equal(t, SkipInProgress, CheckEligible(claimed, old, now, minAge, false))

	// ignoreAge lifts only the age gate.
	assert.Equal(t, "", CheckEligible(fresh, now, now, minAge, true))
	assert.Equal(t, SkipTranscoded, CheckEligible(tagged, old, now, minAge, true))
}

func TestScanCandidatesOldestFirst(t *testing.T) {
	base := t.TempDir()
	newest := writeSegment(t, base, "cam1", "cam1_c.mp4", 10, 8*24*time.Hour)
	oldest := writeSegment(t, base, "cam2", "cam2_a.mp4", 10, 20*24*time.Hour)
	middle := writeSegment(t, base, "cam1", "cam1_b.mp4", 10, 12*24*time.Hour)
	writeSegment(t, base, "cam1", "cam1_fresh.mp4", 10, time.Hour)
	// Non-segment files at the top level are not scanned.
	require.NoError(t, os.WriteFile(filepath.Join(base, "stray.mp4"), []byte("x"), 0o644))

	cands, skipped, err := scanCandidates(base, "mp4", time.Now(), 7*24*time.Hour, false)
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, oldest, cands[0].path)
	assert.Equal(t, middle, cands[1].path)
	assert.Equal(t, newest, cands[2].path)
	assert.Equal(t, 1, skipped[SkipTooNew])
}

func TestProcessCommitsReplacement(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 3000}
	s, base := newTestScheduler(t, enc, testConfig())
	now := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	orig := writeSegment(t, base, "cam1", "cam1_20260810_120000.mp4", 5000, 10*24*time.Hour)
	s.process(context.Background(), orig)

	final := filepath.Join(base, "cam1", "cam1_20260810_120000.hevc.mp4")
	backup := orig + BackupSuffix

	assert.NoFileExists(t, orig)
	assert.NoFileExists(t, orig+InProgressSuffix)
	assert.FileExists(t, backup)
	assert.FileExists(t, final)

	m, err := ReadMarker(final + MarkerSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), m.OriginalSize)
	assert.Equal(t, int64(3000), m.TranscodedSize)
	assert.Equal(t, int64(2000), m.SavingsBytes)
	assert.Equal(t, backup, m.OriginalBackup)
	assert.Equal(t, "cam1_20260810_120000.mp4", m.OriginalName)
	assert.True(t, m.DeleteAfter.Equal(now.Add(24*time.Hour)))

	stats := s.Stats()
	assert.Equal(t, 1, stats.FilesTranscoded)
	assert.Equal(t, int64(2000), stats.SpaceSavedBytes)
	assert.FileExists(t, filepath.Join(base, StatsFileName))

	// A second pass sees the committed replacement and leaves it alone.
	encodes := enc.encodes
	s.process(context.Background(), final)
	assert.Equal(t, encodes, enc.encodes)
}

func TestProcessRejectsInsufficientSavings(t *testing.T) {
	// 2% saved against a 10% floor.
	enc := &fakeEncoder{outputBytes: 4900}
	s, base := newTestScheduler(t, enc, testConfig())

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)
	s.process(context.Background(), orig)

	assert.FileExists(t, orig)
	assert.NoFileExists(t, orig+InProgressSuffix)
	assert.NoFileExists(t, filepath.Join(base, "cam1", "cam1_a.hevc.mp4"))

	stats := s.Stats()
	assert.Equal(t, 0, stats.FilesTranscoded)
	assert.Equal(t, 1, stats.FilesFailed)
	assert.Contains(t, stats.LastError, "savings")
}

func TestProcessRejectsDurationDrift(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 3000, duration: 1700}
	s, base := newTestScheduler(t, enc, testConfig())

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)
	s.process(context.Background(), orig)

	assert.FileExists(t, orig)
	assert.NoFileExists(t, orig+InProgressSuffix)
	assert.Contains(t, s.Stats().LastError, "duration")
}

func TestProcessRejectsTinyOutput(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 10}
	s, base := newTestScheduler(t, enc, testConfig())

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)
	s.process(context.Background(), orig)

	assert.FileExists(t, orig)
	assert.Equal(t, 1, s.Stats().FilesFailed)
}

func TestProcessSkipsClaimedFile(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 3000}
	s, base := newTestScheduler(t, enc, testConfig())

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)
	require.NoError(t, os.WriteFile(orig+InProgressSuffix, []byte(""), 0o644))

	s.process(context.Background(), orig)
	assert.Equal(t, 0, enc.encodes)
	assert.FileExists(t, orig)
}

func TestShutdownMidEncodeIsNotAFailure(t *testing.T) {
	// An encode cut short by the shutdown deadline leaves no trace: temp
	// removed, no failure counted, the segment eligible for the next run.
	enc := &fakeEncoder{}
	enc.run = func(ctx context.Context, _ ffmpeg.TranscodeSpec) (ffmpeg.Result, error) {
		<-ctx.Done()
		return ffmpeg.Result{ExitCode: -1}, ctx.Err()
	}
	s, base := newTestScheduler(t, enc, testConfig())
	s.stopGrace = 10 * time.Millisecond

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.process(ctx, orig)

	assert.FileExists(t, orig)
	assert.NoFileExists(t, orig+InProgressSuffix)
	stats := s.Stats()
	assert.Zero(t, stats.FilesFailed)
	assert.Zero(t, stats.FilesTranscoded)
	assert.Empty(t, stats.LastError)
}

func TestInFlightEncodeFinishesAfterShutdown(t *testing.T) {
	// Cancellation arrives mid-file; within the grace window the encode
	// runs to completion and the replacement still commits.
	enc := &fakeEncoder{}
	enc.run = func(_ context.Context, spec ffmpeg.TranscodeSpec) (ffmpeg.Result, error) {
		time.Sleep(50 * time.Millisecond)
		if err := os.WriteFile(spec.Output, make([]byte, 3000), 0o644); err != nil {
			return ffmpeg.Result{}, err
		}
		return ffmpeg.Result{Elapsed: 50 * time.Millisecond}, nil
	}
	s, base := newTestScheduler(t, enc, testConfig())
	s.stopGrace = 5 * time.Second

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.process(ctx, orig)

	assert.FileExists(t, filepath.Join(base, "cam1", "cam1_a.hevc.mp4"))
	assert.FileExists(t, orig+BackupSuffix)
	assert.Equal(t, 1, s.Stats().FilesTranscoded)
}

func TestMarkerWriteFailureRollsBackReplacement(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 3000}
	s, base := newTestScheduler(t, enc, testConfig())
	s.writeMarker = func(string, Marker) error { return assert.AnError }

	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, 10*24*time.Hour)
	s.process(context.Background(), orig)

	assert.FileExists(t, orig)
	assert.NoFileExists(t, orig+BackupSuffix)
	assert.NoFileExists(t, orig+InProgressSuffix)
	assert.NoFileExists(t, filepath.Join(base, "cam1", "cam1_a.hevc.mp4"))

	stats := s.Stats()
	assert.Zero(t, stats.FilesTranscoded)
	assert.Equal(t, 1, stats.FilesFailed)
	assert.Contains(t, stats.LastError, "marker")
}

func TestGateOpen(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeEncoder{}, testConfig())
	assert.True(t, s.gateOpen())

	s.load = func() (sysload.Sample, error) { return sysload.Sample{BusyPercent: 40}, nil }
	assert.False(t, s.gateOpen())

	s.load = func() (sysload.Sample, error) { return sysload.Sample{IOWaitPercent: 9}, nil }
	assert.False(t, s.gateOpen())

	s.load = func() (sysload.Sample, error) { return sysload.Sample{}, assert.AnError }
	assert.False(t, s.gateOpen())

	s.load = func() (sysload.Sample, error) { return sysload.Sample{}, nil }
	s.usage = func() (storage.Snapshot, error) {
		return storage.Snapshot{FreeBytes: 100 << 20}, nil // well under 1 GB
	}
	assert.False(t, s.gateOpen())
}

func TestSweepExpiredBackups(t *testing.T) {
	s, base := newTestScheduler(t, &fakeEncoder{}, testConfig())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	mkReplaced := func(name string, deleteAfter time.Time) (backup, marker string) {
		dir := filepath.Join(base, "cam1")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		backup = filepath.Join(dir, name+".mp4"+BackupSuffix)
		final := filepath.Join(dir, name+".hevc.mp4")
		marker = final + MarkerSuffix
		require.NoError(t, os.WriteFile(backup, make([]byte, 100), 0o644))
		require.NoError(t, os.WriteFile(final, make([]byte, 60), 0o644))
		require.NoError(t, WriteMarker(marker, Marker{
			TranscodedAt:   deleteAfter.Add(-24 * time.Hour),
			OriginalSize:   100,
			TranscodedSize: 60,
			SavingsBytes:   40,
			OriginalBackup: backup,
			DeleteAfter:    deleteAfter,
		}))
		return backup, marker
	}

	// One hour of retention left versus one hour past the deadline.
	keptBackup, keptMarker := mkReplaced("cam1_kept", now.Add(time.Hour))
	goneBackup, goneMarker := mkReplaced("cam1_gone", now.Add(-time.Hour))

	removed := s.SweepExpiredBackups()
	assert.Equal(t, 1, removed)

	assert.FileExists(t, keptBackup)
	assert.FileExists(t, keptMarker)
	assert.NoFileExists(t, goneBackup)
	assert.NoFileExists(t, goneMarker)

	// Idempotent second run.
	assert.Equal(t, 0, s.SweepExpiredBackups())
}

func TestSweepHandlesMissingBackup(t *testing.T) {
	s, base := newTestScheduler(t, &fakeEncoder{}, testConfig())
	now := time.Now()

	dir := filepath.Join(base, "cam1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	marker := filepath.Join(dir, "cam1_x.hevc.mp4"+MarkerSuffix)
	require.NoError(t, WriteMarker(marker, Marker{
		OriginalBackup: filepath.Join(dir, "cam1_x.mp4"+BackupSuffix),
		DeleteAfter:    now.Add(-time.Hour),
	}))

	assert.Equal(t, 1, s.SweepExpiredBackups())
	assert.NoFileExists(t, marker)
}

func TestForcedRunBypassesSchedule(t *testing.T) {
	enc := &fakeEncoder{outputBytes: 3000}
	s, base := newTestScheduler(t, enc, testConfig())
	// Noon, well outside the 02:00-06:00 window. Only forced work runs.
	s.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }
	s.pace = delays{
		idleScan:     5 * time.Millisecond,
		windowCheck:  5 * time.Millisecond,
		gateRetry:    5 * time.Millisecond,
		betweenFiles: 5 * time.Millisecond,
		forcePause:   time.Millisecond,
	}

	// Fresh file: the forced path ignores age.
	orig := writeSegment(t, base, "cam1", "cam1_a.mp4", 5000, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, 5*time.Millisecond)
	s.ForceNow(ctx)

	final := filepath.Join(base, "cam1", "cam1_a.hevc.mp4")
	require.Eventually(t, func() bool {
		_, err := os.Stat(final)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.NoFileExists(t, orig)
	assert.FileExists(t, orig+BackupSuffix)
	assert.Equal(t, 1, s.Stats().FilesTranscoded)

	cancel()
	<-done
	assert.False(t, s.Status().Running)
}

func TestTrackerPersistence(t *testing.T) {
	base := t.TempDir()
	tr := NewTracker(base)
	at := time.Date(2026, 8, 25, 4, 0, 0, 0, time.UTC)
	tr.RecordSuccess(5000, 3000, at)
	tr.RecordFailure(assert.AnError)

	data, err := os.ReadFile(filepath.Join(base, StatsFileName))
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.EqualValues(t, 1, onDisk["files_transcoded"])
	assert.EqualValues(t, 2000, onDisk["space_saved_bytes"])

	reloaded := NewTracker(base).Snapshot()
	assert.Equal(t, 1, reloaded.FilesTranscoded)
	assert.Equal(t, 1, reloaded.FilesFailed)
	assert.Equal(t, int64(5000), reloaded.TotalOriginalBytes)
	assert.InDelta(t, 40.0, reloaded.SavingsPercent(), 0.01)
}
