// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/camrecd/camrecd/internal/log"
)

const (
	defaultYAMLPath   = "/etc/camrecd/config.yaml"
	defaultLegacyPath = "/etc/camrecd/camera-mapping.conf"
)

// Load resolves and loads the configuration. An empty path walks the
// standard search locations; a missing explicit path is an error.
func Load(path string) (Config, error) {
	logger := log.WithComponent("config")

	if path != "" {
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return loadYAML(path)
		}
		return loadLegacy(path)
	}

	if _, err := os.Stat(defaultYAMLPath); err == nil {
		logger.Info().Str("path", defaultYAMLPath).Msg("loading configuration")
		return loadYAML(defaultYAMLPath)
	}
	if _, err := os.Stat(defaultLegacyPath); err == nil {
		logger.Info().Str("path", defaultLegacyPath).Msg("loading legacy configuration")
		return loadLegacy(defaultLegacyPath)
	}

	logger.Warn().Msg("no configuration file found, using defaults")
	return Defaults(), nil
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Cameras == nil {
		cfg.Cameras = map[string]CameraConfig{}
	}
	return cfg, nil
}

// Save writes the configuration as YAML, used by the config subcommand to
// migrate legacy files.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { // #nosec G306
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
