// SPDX-License-Identifier: MIT

// Package recorder supervises the long-running capture process of each
// camera. The encoder is an external OS process: a hang in it can never
// stall the supervisor, only its own Stop call, which is bounded by a
// timeout before escalating to a forced kill.
package recorder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/ffmpeg"
	"github.com/camrecd/camrecd/internal/log"
	"github.com/camrecd/camrecd/internal/procgroup"
)

var (
	ErrAlreadyRunning = errors.New("recording already running")
	ErrNotRunning     = errors.New("not recording")
)

var (
	startTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrecd_recorder_start_total",
		Help: "Recording start attempts by result",
	}, []string{"result"})

	unexpectedExits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "camrecd_recorder_unexpected_exit_total",
		Help: "Recorder processes that died without a stop request",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "camrecd_recorder_active_sessions",
		Help: "Cameras currently recording",
	})
)

// State is the lifecycle state of one camera session.
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateRecording        State = "recording"
	StateStoppingGraceful State = "stopping"
	StateStopped          State = "stopped"
	StateFailed           State = "failed"
)

// Supervisor owns the capture process of a single camera.
type Supervisor struct {
	id     string
	spec   ffmpeg.RecordSpec
	mode   ffmpeg.EncoderMode
	logger zerolog.Logger

	// Injectable for tests; defaults to the gateway's StartRecord.
	startProc func(ctx context.Context, spec ffmpeg.RecordSpec, mode ffmpeg.EncoderMode) (*exec.Cmd, io.ReadCloser, error)

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	ring   *ffmpeg.LineRing
	waitCh chan struct{} // closed when the process has been reaped
	cause  error         // set when state is Failed
}

// NewSupervisor builds a supervisor for one camera and ensures its output
// directory exists.
func NewSupervisor(id string, cam config.CameraConfig, enc config.EncodingConfig, rec config.RecordingConfig, gw *ffmpeg.Gateway) (*Supervisor, error) {
	outputDir := fmt.Sprintf("%s/%s", strings.TrimRight(rec.BaseDirectory, "/"), id)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir for %s: %w", id, err)
	}

	s := &Supervisor{
		id: id,
		spec: ffmpeg.RecordSpec{
			CameraID:       id,
			Device:         cam.Device,
			InputFormat:    cam.InputFormat,
			Resolution:     cam.Resolution,
			Framerate:      cam.Framerate,
			OutputDir:      outputDir,
			Container:      rec.ContainerFormat,
			SegmentSeconds: rec.SegmentSeconds,
			MovFlags:       rec.MovFlags,
			FlushPackets:   rec.FlushPackets != nil && *rec.FlushPackets,
		},
		mode:   ffmpeg.ModeFromConfig(enc),
		logger: log.WithCamera("recorder", id),
		state:  StateIdle,
		ring:   ffmpeg.NewLineRing(256),
	}
	s.startProc = gw.StartRecord
	return s, nil
}

// ID returns the camera id.
func (s *Supervisor) ID() string { return s.id }

// OutputDir returns the session's segment directory.
func (s *Supervisor) OutputDir() string { return s.spec.OutputDir }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the segment recorder. There is no automatic restart on
// later process death; the failure is reported through State and
// CheckHealth, and restarting is the operator's call.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateStopped, StateFailed:
		// startable
	default:
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.id, ErrAlreadyRunning)
	}
	s.state = StateStarting
	s.mu.Unlock()

	// The capture process must outlive the caller's context: daemon
	// shutdown cancels that context before StopAll runs, and a cancel-kill
	// here would truncate the open segment. Stop owns termination.
	cmd, stderr, err := s.startProc(context.WithoutCancel(ctx), s.spec, s.mode)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.cause = err
		s.mu.Unlock()
		startTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("failed to start recording")
		return fmt.Errorf("start recording %s: %w", s.id, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.state = StateRecording
	s.waitCh = make(chan struct{})
	waitCh := s.waitCh
	s.mu.Unlock()

	startTotal.WithLabelValues("ok").Inc()
	activeSessions.Inc()
	s.logger.Info().Int("pid", cmd.Process.Pid).Str("device", s.spec.Device).Msg("recording started")

	// The drain keeps the pipe empty and classifies encoder noise; it runs
	// independently so control operations never block on encoder output.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			s.ring.Append(line)
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "error"):
				s.logger.Error().Str("ffmpeg", line).Msg("encoder error output")
			case strings.Contains(lower, "warning"):
				s.logger.Warn().Str("ffmpeg", line).Msg("encoder warning output")
			default:
				s.logger.Debug().Str("ffmpeg", line).Msg("encoder output")
			}
		}
	}()

	go func() {
		<-drained
		err := cmd.Wait()
		activeSessions.Dec()

		s.mu.Lock()
		unexpected := s.state == StateRecording
		if unexpected {
			s.state = StateFailed
			s.cause = err
		}
		s.mu.Unlock()
		close(waitCh)

		if unexpected {
			unexpectedExits.Inc()
			s.logger.Error().Err(err).Strs("stderr", s.ring.LastN(10)).Msg("recording process died unexpectedly")
		}
	}()

	return nil
}

// Stop ends the recording. SIGINT first so the encoder finalises the
// current segment's container, then SIGKILL after the timeout. The forced
// path is a degraded success, reported via clean=false, never an error.
func (s *Supervisor) Stop(ctx context.Context, timeout time.Duration) (clean bool, err error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return false, fmt.Errorf("%s: %w", s.id, ErrNotRunning)
	}
	s.state = StateStoppingGraceful
	cmd := s.cmd
	waitCh := s.waitCh
	s.mu.Unlock()

	s.logger.Info().Int("pid", cmd.Process.Pid).Msg("stopping recording")
	if err := procgroup.Kill(cmd, syscall.SIGINT); err != nil {
		s.logger.Warn().Err(err).Msg("graceful interrupt failed, forcing kill")
	}

	clean = true
	select {
	case <-waitCh:
	case <-time.After(timeout):
		clean = false
		s.logger.Warn().Msg("timeout waiting for encoder, forcing termination")
		_ = procgroup.Kill(cmd, syscall.SIGKILL)
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
			s.logger.Error().Msg("encoder did not die after SIGKILL")
		}
	case <-ctx.Done():
		clean = false
		_ = procgroup.Kill(cmd, syscall.SIGKILL)
		<-waitCh
	}

	s.mu.Lock()
	s.state = StateStopped
	s.cmd = nil
	s.mu.Unlock()

	if clean {
		s.logger.Info().Msg("recording stopped cleanly")
	}
	return clean, nil
}

// IsAlive is a non-blocking liveness probe of the owned process.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording || s.waitCh == nil {
		return false
	}
	select {
	case <-s.waitCh:
		return false
	default:
		return true
	}
}

// FailureCause returns the error that moved the session to Failed, if any.
func (s *Supervisor) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFailed {
		return nil
	}
	return s.cause
}

// LastLogLines returns recent encoder diagnostic lines.
func (s *Supervisor) LastLogLines(n int) []string {
	return s.ring.LastN(n)
}
