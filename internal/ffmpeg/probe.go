// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// StreamInfo describes the first video stream of a file.
type StreamInfo struct {
	Codec    string
	Width    int
	Height   int
	Duration float64 // seconds
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe inspects the first video stream of a file with ffprobe.
func (g *Gateway) Probe(ctx context.Context, path string) (StreamInfo, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, g.Bin.FFprobe, // #nosec G204
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe parse %s: %w", path, err)
	}
	if len(parsed.Streams) == 0 {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: no video stream", path)
	}

	s := parsed.Streams[0]
	info := StreamInfo{
		Codec:  strings.ToLower(s.CodecName),
		Width:  s.Width,
		Height: s.Height,
	}
	// Stream duration is absent in some containers; the format-level value
	// is the fallback.
	if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
		info.Duration = d
	} else if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	return info, nil
}
