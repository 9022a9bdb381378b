// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/camrecd/camrecd/internal/config"
)

// ModeKind selects one of the encoder parameter sets.
type ModeKind int

const (
	// ModeCopy passes the camera bitstream through untouched.
	ModeCopy ModeKind = iota
	// ModeQSV encodes on Intel QuickSync hardware.
	ModeQSV
	// ModeSoftware encodes on the CPU.
	ModeSoftware
)

// EncoderMode is a tagged variant: the kind picks which of the shared
// parameter fields apply. All kinds share the same invocation contract.
type EncoderMode struct {
	Kind  ModeKind
	Codec string

	// QSV and software
	Preset  string
	Quality int

	// QSV only
	BitrateMode   string
	TargetBitrate int
	MaxBitrate    int
	GOPSize       int
	RefFrames     int
	Lookahead     bool
	ExtraHWFrames int
}

// ModeFromConfig maps the configured codec name onto an encoder mode.
func ModeFromConfig(enc config.EncodingConfig) EncoderMode {
	mode := EncoderMode{
		Codec:         enc.Codec,
		Preset:        enc.Preset,
		Quality:       enc.Quality,
		BitrateMode:   enc.BitrateMode,
		TargetBitrate: enc.TargetBitrate,
		MaxBitrate:    enc.MaxBitrate,
		GOPSize:       enc.GOPSize,
		RefFrames:     enc.RefFrames,
		Lookahead:     enc.Lookahead == nil || *enc.Lookahead,
		ExtraHWFrames: enc.ExtraHWFrames,
	}
	switch {
	case enc.Codec == "copy":
		mode.Kind = ModeCopy
	case strings.Contains(enc.Codec, "qsv"):
		mode.Kind = ModeQSV
	default:
		mode.Kind = ModeSoftware
	}
	return mode
}

func (m EncoderMode) encodeArgs() []string {
	switch m.Kind {
	case ModeCopy:
		return []string{"-c:v", "copy"}

	case ModeQSV:
		args := []string{
			"-init_hw_device", "qsv=hw",
			"-filter_hw_device", "hw",
			"-vf", fmt.Sprintf("hwupload=extra_hw_frames=%d,format=qsv", m.ExtraHWFrames),
			"-c:v", m.Codec,
			"-preset", m.Preset,
			"-global_quality", strconv.Itoa(m.Quality),
		}
		if m.Lookahead {
			args = append(args, "-look_ahead", "1")
		}
		if m.BitrateMode == "VBR" {
			args = append(args,
				"-b:v", fmt.Sprintf("%dk", m.TargetBitrate),
				"-maxrate", fmt.Sprintf("%dk", m.MaxBitrate),
			)
		}
		args = append(args,
			"-g", strconv.Itoa(m.GOPSize),
			"-bf", strconv.Itoa(m.RefFrames),
		)
		return args

	default:
		return []string{
			"-c:v", m.Codec,
			"-preset", m.Preset,
			"-crf", strconv.Itoa(m.Quality),
		}
	}
}

// RecordSpec defines a segment-recording invocation for one camera.
type RecordSpec struct {
	CameraID       string
	Device         string
	InputFormat    string
	Resolution     string
	Framerate      int
	OutputDir      string
	Container      string
	SegmentSeconds int
	MovFlags       string
	FlushPackets   bool
}

// SegmentPattern returns the strftime output pattern for a camera. The
// wall-clock filename makes rotation non-destructive: each segment gets a
// fresh name and ffmpeg never reuses or truncates an earlier file.
func SegmentPattern(spec RecordSpec) string {
	return filepath.Join(spec.OutputDir,
		fmt.Sprintf("%s_%%Y%%m%%d_%%H%%M%%S.%s", spec.CameraID, spec.Container))
}

// RecordArgs constructs the ffmpeg arguments for continuous segment
// recording from a V4L2 device.
func RecordArgs(spec RecordSpec, mode EncoderMode) ([]string, error) {
	if spec.Device == "" {
		return nil, fmt.Errorf("missing capture device")
	}
	if spec.OutputDir == "" {
		return nil, fmt.Errorf("missing output directory")
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-f", "v4l2",
		"-input_format", spec.InputFormat,
		"-video_size", spec.Resolution,
		"-framerate", strconv.Itoa(spec.Framerate),
		"-i", spec.Device,
	}

	args = append(args, mode.encodeArgs()...)

	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(spec.SegmentSeconds),
		"-segment_format", spec.Container,
		"-reset_timestamps", "1",
		"-strftime", "1",
	)
	if spec.MovFlags != "" {
		args = append(args, "-segment_format_options", "movflags="+spec.MovFlags)
	}
	if !spec.FlushPackets {
		args = append(args, "-flush_packets", "0")
	}

	args = append(args, SegmentPattern(spec))
	return args, nil
}

// TranscodeSpec defines a one-shot re-encode of an existing file.
type TranscodeSpec struct {
	Input   string
	Output  string
	Codec   string // e.g. hevc_vaapi
	Quality int
}

// TranscodeArgs constructs the arguments for a hardware re-encode to a
// smaller codec. Audio is copied; the container is forced so the
// in-progress suffix on the output path doesn't confuse the muxer.
func TranscodeArgs(spec TranscodeSpec) ([]string, error) {
	if spec.Input == "" || spec.Output == "" {
		return nil, fmt.Errorf("missing input or output path")
	}
	return []string{
		"-hwaccel", "vaapi",
		"-hwaccel_device", "/dev/dri/renderD128",
		"-hwaccel_output_format", "vaapi",
		"-i", spec.Input,
		"-c:v", spec.Codec,
		"-qp", strconv.Itoa(spec.Quality),
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		"-y",
		spec.Output,
	}, nil
}
