// SPDX-License-Identifier: MIT

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadLegacy parses the historical bash-style camera-mapping.conf
// (KEY=VALUE lines with optional quotes and inline comments).
func loadLegacy(path string) (Config, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("read legacy config: %w", err)
	}
	defer f.Close() //nolint:errcheck

	vars := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if before, _, found := strings.Cut(value, "#"); found {
			value = before
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		vars[strings.TrimSpace(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("read legacy config: %w", err)
	}

	cfg := Defaults()

	// The legacy format supports exactly two fixed camera slots.
	for i, id := range []string{"cam1", "cam2"} {
		prefix := fmt.Sprintf("CAMERA%d_", i+1)
		device, ok := vars[prefix+"DEVICE"]
		if !ok {
			continue
		}
		cfg.Cameras[id] = CameraConfig{
			Device:      device,
			Name:        getOr(vars, prefix+"NAME", fmt.Sprintf("Camera %d", i+1)),
			Resolution:  getOr(vars, prefix+"RESOLUTION", "2560x1440"),
			Framerate:   getInt(vars, prefix+"FRAMERATE", 60),
			InputFormat: getOr(vars, prefix+"FORMAT", "h264"),
		}
	}

	cfg.Encoding.Codec = getOr(vars, "ENCODING_CODEC", cfg.Encoding.Codec)
	cfg.Encoding.Preset = getOr(vars, "ENCODING_PRESET", cfg.Encoding.Preset)
	cfg.Encoding.Quality = getInt(vars, "ENCODING_QUALITY", cfg.Encoding.Quality)
	cfg.Encoding.BitrateMode = getOr(vars, "BITRATE_MODE", cfg.Encoding.BitrateMode)
	cfg.Encoding.TargetBitrate = getInt(vars, "TARGET_BITRATE", cfg.Encoding.TargetBitrate)
	cfg.Encoding.MaxBitrate = getInt(vars, "MAX_BITRATE", cfg.Encoding.MaxBitrate)
	cfg.Encoding.GOPSize = getInt(vars, "GOP_SIZE", cfg.Encoding.GOPSize)
	cfg.Encoding.RefFrames = getInt(vars, "REF_FRAMES", cfg.Encoding.RefFrames)
	cfg.Encoding.ExtraHWFrames = getInt(vars, "EXTRA_HW_FRAMES", cfg.Encoding.ExtraHWFrames)
	if v, ok := vars["LOOKAHEAD_ENABLED"]; ok {
		enabled := v == "1"
		cfg.Encoding.Lookahead = &enabled
	}

	cfg.Recording.SegmentSeconds = getInt(vars, "SEGMENT_TIME", cfg.Recording.SegmentSeconds)
	cfg.Recording.ContainerFormat = getOr(vars, "CONTAINER_FORMAT", cfg.Recording.ContainerFormat)
	cfg.Recording.BaseDirectory = getOr(vars, "RECORDINGS_BASE", cfg.Recording.BaseDirectory)
	cfg.Recording.MovFlags = getOr(vars, "MOVFLAGS", cfg.Recording.MovFlags)
	if v, ok := vars["FLUSH_PACKETS"]; ok {
		flush := v == "1"
		cfg.Recording.FlushPackets = &flush
	}

	if v, ok := vars["CLEANUP_ENABLED"]; ok {
		enabled := strings.EqualFold(v, "true")
		cfg.Storage.CleanupEnabled = &enabled
	}
	cfg.Storage.RetentionDays = getInt(vars, "CLEANUP_DAYS", cfg.Storage.RetentionDays)
	cfg.Storage.CriticalPercent = getInt(vars, "DISK_USAGE_THRESHOLD", cfg.Storage.CriticalPercent)
	cfg.Storage.LowSpacePercent = getInt(vars, "LOW_SPACE_WARNING", cfg.Storage.LowSpacePercent)

	cfg.VAAPIDriver = getOr(vars, "VAAPI_DRIVER", cfg.VAAPIDriver)

	return cfg, nil
}

func getOr(vars map[string]string, key, fallback string) string {
	if v, ok := vars[key]; ok && v != "" {
		return v
	}
	return fallback
}

func getInt(vars map[string]string, key string, fallback int) int {
	if v, ok := vars[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
