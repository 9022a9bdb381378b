// SPDX-License-Identifier: MIT

// Package config provides configuration management for camrecd.
//
// Precedence: explicit path flag > /etc/camrecd/config.yaml >
// /etc/camrecd/camera-mapping.conf (legacy) > built-in defaults.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// CameraConfig describes a single capture device.
type CameraConfig struct {
	Device      string `yaml:"device"`
	Name        string `yaml:"name"`
	Resolution  string `yaml:"resolution,omitempty"`
	Framerate   int    `yaml:"framerate,omitempty"`
	InputFormat string `yaml:"input_format,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (c CameraConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Width returns the horizontal resolution, 0 if unparseable.
func (c CameraConfig) Width() int {
	w, _ := splitResolution(c.Resolution)
	return w
}

// Height returns the vertical resolution, 0 if unparseable.
func (c CameraConfig) Height() int {
	_, h := splitResolution(c.Resolution)
	return h
}

func splitResolution(res string) (int, int) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return w, h
}

// EncodingConfig selects the capture encoder mode and its parameters.
type EncodingConfig struct {
	Codec         string `yaml:"codec"` // copy, hevc_qsv, h264_qsv, libx264, ...
	Preset        string `yaml:"preset,omitempty"`
	Quality       int    `yaml:"quality,omitempty"`
	BitrateMode   string `yaml:"bitrate_mode,omitempty"` // VBR or CQP
	TargetBitrate int    `yaml:"target_bitrate,omitempty"`
	MaxBitrate    int    `yaml:"max_bitrate,omitempty"`
	GOPSize       int    `yaml:"gop_size,omitempty"`
	RefFrames     int    `yaml:"ref_frames,omitempty"`
	Lookahead     *bool  `yaml:"lookahead,omitempty"`
	ExtraHWFrames int    `yaml:"extra_hw_frames,omitempty"`
}

// RecordingConfig controls segment rotation and output layout.
type RecordingConfig struct {
	SegmentSeconds  int    `yaml:"segment_time,omitempty"`
	ContainerFormat string `yaml:"container_format,omitempty"`
	BaseDirectory   string `yaml:"base_directory,omitempty"`
	FlushPackets    *bool  `yaml:"flush_packets,omitempty"`
	MovFlags        string `yaml:"movflags,omitempty"`
}

// StorageConfig controls eviction policies.
type StorageConfig struct {
	CleanupEnabled     *bool `yaml:"cleanup_enabled,omitempty"`
	RetentionDays      int   `yaml:"cleanup_days,omitempty"`
	CriticalPercent    int   `yaml:"disk_usage_threshold,omitempty"`
	LowSpacePercent    int   `yaml:"low_space_warning,omitempty"`
	MinFreeGigabytes   int   `yaml:"min_free_gb,omitempty"`
	EmergencyTargetPct int   `yaml:"emergency_target,omitempty"`
}

// TranscodingConfig controls the background re-encode pipeline.
type TranscodingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MinAgeDays        int     `yaml:"min_age_days,omitempty"`
	ScheduleStart     string  `yaml:"run_schedule_start,omitempty"` // "HH:MM"
	ScheduleEnd       string  `yaml:"run_schedule_end,omitempty"`
	MaxCPUPercent     float64 `yaml:"max_cpu_percent,omitempty"`
	MaxIOWaitPercent  float64 `yaml:"max_io_wait,omitempty"`
	Codec             string  `yaml:"codec,omitempty"`
	Preset            string  `yaml:"preset,omitempty"`
	Quality           int     `yaml:"quality,omitempty"`
	KeepOriginalDays  int     `yaml:"keep_original_days,omitempty"`
	MinFreeSpaceGB    int     `yaml:"min_free_space_gb,omitempty"`
	MinSavingsPercent float64 `yaml:"min_savings_percent,omitempty"`
	VerifyQuality     *bool   `yaml:"verify_quality,omitempty"`
}

// Verify treats an absent flag as enabled.
func (c TranscodingConfig) Verify() bool {
	return c.VerifyQuality == nil || *c.VerifyQuality
}

// APIConfig controls the HTTP status/control listener.
type APIConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the complete, defaulted system configuration.
type Config struct {
	Cameras     map[string]CameraConfig `yaml:"cameras"`
	Encoding    EncodingConfig          `yaml:"encoding"`
	Recording   RecordingConfig         `yaml:"recording"`
	Storage     StorageConfig           `yaml:"storage"`
	Transcoding TranscodingConfig       `yaml:"transcoding"`
	API         APIConfig               `yaml:"api,omitempty"`
	VAAPIDriver string                  `yaml:"vaapi_driver,omitempty"`
	LogLevel    string                  `yaml:"log_level,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Cameras: map[string]CameraConfig{},
		Encoding: EncodingConfig{
			Codec:         "copy",
			Preset:        "fast",
			Quality:       23,
			BitrateMode:   "VBR",
			TargetBitrate: 8000,
			MaxBitrate:    12000,
			GOPSize:       60,
			RefFrames:     3,
			ExtraHWFrames: 64,
		},
		Recording: RecordingConfig{
			SegmentSeconds:  1800,
			ContainerFormat: "mp4",
			BaseDirectory:   "/storage/recordings",
			MovFlags:        "faststart+frag_keyframe",
		},
		Storage: StorageConfig{
			RetentionDays:      30,
			CriticalPercent:    95,
			LowSpacePercent:    85,
			MinFreeGigabytes:   10,
			EmergencyTargetPct: 80,
		},
		Transcoding: TranscodingConfig{
			Enabled:           false,
			MinAgeDays:        7,
			ScheduleStart:     "02:00",
			ScheduleEnd:       "06:00",
			MaxCPUPercent:     15.0,
			MaxIOWaitPercent:  5.0,
			Codec:             "hevc_vaapi",
			Preset:            "medium",
			Quality:           23,
			KeepOriginalDays:  1,
			MinFreeSpaceGB:    100,
			MinSavingsPercent: 10.0,
		},
		API:         APIConfig{Listen: ":8089"},
		VAAPIDriver: "iHD",
		LogLevel:    "info",
	}
}

// Validate returns every problem found, not just the first, so operators
// see all misconfiguration in one pass.
func (c *Config) Validate() []string {
	var problems []string

	for id, cam := range c.Cameras {
		if cam.Device == "" {
			problems = append(problems, fmt.Sprintf("camera %q: device is required", id))
		}
		if cam.Resolution != "" {
			if w, h := splitResolution(cam.Resolution); w <= 0 || h <= 0 {
				problems = append(problems, fmt.Sprintf("camera %q: invalid resolution %q", id, cam.Resolution))
			}
		}
		if cam.Framerate < 0 {
			problems = append(problems, fmt.Sprintf("camera %q: negative framerate", id))
		}
	}

	if c.Recording.SegmentSeconds <= 0 {
		problems = append(problems, "recording: segment_time must be positive")
	}
	if c.Recording.BaseDirectory == "" {
		problems = append(problems, "recording: base_directory is required")
	}

	if c.Storage.RetentionDays <= 0 {
		problems = append(problems, "storage: cleanup_days must be positive")
	}
	if c.Storage.CriticalPercent <= 0 || c.Storage.CriticalPercent > 100 {
		problems = append(problems, "storage: disk_usage_threshold must be in (0,100]")
	}
	if c.Storage.LowSpacePercent <= 0 || c.Storage.LowSpacePercent > 100 {
		problems = append(problems, "storage: low_space_warning must be in (0,100]")
	}
	if c.Storage.LowSpacePercent > c.Storage.CriticalPercent {
		problems = append(problems, "storage: low_space_warning exceeds disk_usage_threshold")
	}

	t := c.Transcoding
	if _, err := ParseClock(t.ScheduleStart); err != nil {
		problems = append(problems, fmt.Sprintf("transcoding: run_schedule_start: %v", err))
	}
	if _, err := ParseClock(t.ScheduleEnd); err != nil {
		problems = append(problems, fmt.Sprintf("transcoding: run_schedule_end: %v", err))
	}
	if t.MinAgeDays < 0 {
		problems = append(problems, "transcoding: min_age_days must not be negative")
	}
	if t.KeepOriginalDays < 0 {
		problems = append(problems, "transcoding: keep_original_days must not be negative")
	}
	if t.MinSavingsPercent < 0 || t.MinSavingsPercent > 100 {
		problems = append(problems, "transcoding: min_savings_percent must be in [0,100]")
	}
	if t.MaxCPUPercent <= 0 || t.MaxCPUPercent > 100 {
		problems = append(problems, "transcoding: max_cpu_percent must be in (0,100]")
	}

	return problems
}

// Clock is a time-of-day without a date, minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}
