// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/camrecd/camrecd/internal/procgroup"
)

var (
	spawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "camrecd_ffmpeg_spawn_total",
		Help: "Total number of ffmpeg process spawns",
	}, []string{"kind", "result"})

	transcodeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "camrecd_ffmpeg_transcode_duration_seconds",
		Help:    "Wall time of one-shot transcode invocations",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	})
)

// Gateway invokes the resolved encoder binary.
type Gateway struct {
	Bin         Binary
	VAAPIDriver string // LIBVA_DRIVER_NAME for hardware paths, e.g. "iHD"
}

// Result describes a finished one-shot invocation.
type Result struct {
	ExitCode   int
	Elapsed    time.Duration
	StderrTail []string
}

// StartRecord spawns the segment recorder for one camera and returns the
// running command plus its stderr stream. The caller owns both: it must
// drain stderr and Wait on the command.
func (g *Gateway) StartRecord(ctx context.Context, spec RecordSpec, mode EncoderMode) (*exec.Cmd, io.ReadCloser, error) {
	args, err := RecordArgs(spec, mode)
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, g.Bin.FFmpeg, args...) // #nosec G204
	procgroup.Set(cmd)
	// If the context does cancel, interrupt instead of the default
	// SIGKILL so the muxer can still finalize the open segment. The
	// supervisor normally detaches the spawn context and terminates via
	// its own Stop sequence.
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd, syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second
	if g.VAAPIDriver != "" {
		cmd.Env = append(os.Environ(), "LIBVA_DRIVER_NAME="+g.VAAPIDriver)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		spawnTotal.WithLabelValues("record", "error").Inc()
		return nil, nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}
	spawnTotal.WithLabelValues("record", "ok").Inc()
	return cmd, stderr, nil
}

// RunTranscode executes one re-encode to completion at minimum scheduling
// and I/O priority, so it never competes with the capture path.
func (g *Gateway) RunTranscode(ctx context.Context, spec TranscodeSpec) (Result, error) {
	args, err := TranscodeArgs(spec)
	if err != nil {
		return Result{}, err
	}

	niceArgs := append([]string{"-n", "19", "ionice", "-c", "3", g.Bin.FFmpeg}, args...)
	cmd := exec.CommandContext(ctx, "nice", niceArgs...) // #nosec G204
	procgroup.Set(cmd)
	if g.VAAPIDriver != "" {
		cmd.Env = append(os.Environ(), "LIBVA_DRIVER_NAME="+g.VAAPIDriver)
	}

	ring := NewLineRing(256)
	cmd.Stderr = ring

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	transcodeSeconds.Observe(elapsed.Seconds())

	res := Result{Elapsed: elapsed, StderrTail: ring.LastN(20)}
	if runErr != nil {
		res.ExitCode = 1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		}
		spawnTotal.WithLabelValues("transcode", "error").Inc()
		return res, fmt.Errorf("transcode exit %d: %w", res.ExitCode, runErr)
	}
	spawnTotal.WithLabelValues("transcode", "ok").Inc()
	return res, nil
}

// VerifyDecode runs a full decode pass and fails on any decode error.
func (g *Gateway) VerifyDecode(ctx context.Context, path string) error {
	decodeCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(decodeCtx, g.Bin.FFmpeg, // #nosec G204
		"-v", "error",
		"-i", path,
		"-f", "null", "-",
	)
	ring := NewLineRing(64)
	cmd.Stderr = ring

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("integrity decode failed: %w", err)
	}
	// ffmpeg can exit 0 while still reporting decode errors at -v error.
	if tail := ring.LastN(1); len(tail) > 0 {
		return fmt.Errorf("integrity decode reported errors: %s", tail[0])
	}
	return nil
}
