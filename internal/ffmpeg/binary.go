// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/camrecd/camrecd/internal/log"
)

// ErrBinaryNotFound indicates no usable ffmpeg installation was found.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// DefaultCandidates are probed in order; hardware-enabled builds first.
var DefaultCandidates = []string{
	"/usr/lib/jellyfin-ffmpeg/ffmpeg",
	"/usr/local/bin/ffmpeg-qsv",
	"ffmpeg",
}

// Binary holds resolved tool paths.
type Binary struct {
	FFmpeg  string
	FFprobe string
}

// Resolve probes each candidate with `-version` and returns the first that
// answers. The probe path is always the plain ffprobe from PATH; the
// special ffmpeg builds ship without one.
func Resolve(ctx context.Context, candidates []string) (Binary, error) {
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	logger := log.WithComponent("ffmpeg")

	for _, candidate := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := exec.CommandContext(probeCtx, candidate, "-version").Run() // #nosec G204
		cancel()
		if err != nil {
			continue
		}
		logger.Info().Str("path", candidate).Msg("using ffmpeg")
		return Binary{FFmpeg: candidate, FFprobe: "ffprobe"}, nil
	}
	return Binary{}, ErrBinaryNotFound
}
