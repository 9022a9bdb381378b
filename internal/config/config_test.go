// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, cfg.Validate())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cameras:
  cam1:
    device: /dev/video0
    name: "Front Door"
    resolution: 1920x1080
    framerate: 30
  cam2:
    device: /dev/video2
    name: "Garage"
    enabled: false
encoding:
  codec: hevc_qsv
  quality: 25
recording:
  segment_time: 600
  base_directory: /mnt/recordings
storage:
  cleanup_days: 14
transcoding:
  enabled: true
  run_schedule_start: "22:00"
  run_schedule_end: "06:00"
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, "/dev/video0", cfg.Cameras["cam1"].Device)
	assert.Equal(t, 30, cfg.Cameras["cam1"].Framerate)
	assert.True(t, cfg.Cameras["cam1"].IsEnabled())
	assert.False(t, cfg.Cameras["cam2"].IsEnabled())
	assert.Equal(t, "hevc_qsv", cfg.Encoding.Codec)
	// Unset fields keep their defaults.
	assert.Equal(t, "fast", cfg.Encoding.Preset)
	assert.Equal(t, 600, cfg.Recording.SegmentSeconds)
	assert.Equal(t, 14, cfg.Storage.RetentionDays)
	assert.Equal(t, 95, cfg.Storage.CriticalPercent)
	assert.True(t, cfg.Transcoding.Enabled)
	assert.Equal(t, "22:00", cfg.Transcoding.ScheduleStart)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.Validate())
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadLegacyConf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camera-mapping.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
# legacy camera mapping
CAMERA1_DEVICE=/dev/video0
CAMERA1_NAME="Front Door"
CAMERA1_RESOLUTION=2560x1440
CAMERA1_FRAMERATE=60   # full speed
CAMERA2_DEVICE='/dev/video2'
ENCODING_CODEC=copy
SEGMENT_TIME=1800
RECORDINGS_BASE=/storage/recordings
CLEANUP_ENABLED=true
CLEANUP_DAYS=30
DISK_USAGE_THRESHOLD=95
VAAPI_DRIVER=iHD
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Cameras, 2)
	assert.Equal(t, "Front Door", cfg.Cameras["cam1"].Name)
	assert.Equal(t, 60, cfg.Cameras["cam1"].Framerate)
	assert.Equal(t, "/dev/video2", cfg.Cameras["cam2"].Device)
	assert.Equal(t, "Camera 2", cfg.Cameras["cam2"].Name)
	assert.Equal(t, "copy", cfg.Encoding.Codec)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	require.NotNil(t, cfg.Storage.CleanupEnabled)
	assert.True(t, *cfg.Storage.CleanupEnabled)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Cameras["cam1"] = CameraConfig{Device: "", Resolution: "bogus"}
	cfg.Storage.RetentionDays = 0
	cfg.Transcoding.ScheduleStart = "25:00"
	cfg.Transcoding.MinSavingsPercent = 150

	problems := cfg.Validate()
	assert.Len(t, problems, 5)
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    Clock
		wantErr bool
	}{
		{"02:00", Clock{2, 0}, false},
		{"23:59", Clock{23, 59}, false},
		{"7:30", Clock{7, 30}, false},
		{"24:00", Clock{}, true},
		{"12:60", Clock{}, true},
		{"noon", Clock{}, true},
		{"", Clock{}, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestResolutionAccessors(t *testing.T) {
	cam := CameraConfig{Resolution: "1920x1080"}
	assert.Equal(t, 1920, cam.Width())
	assert.Equal(t, 1080, cam.Height())

	broken := CameraConfig{Resolution: "wide"}
	assert.Zero(t, broken.Width())
	assert.Zero(t, broken.Height())
}
