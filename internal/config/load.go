// Watchtower - Multi-Tenant Access Anomaly Detection and Risk Engine
// Copyright 2026 Watchtower Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/watchtower-sec/watchtower

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "WT_CONFIG_PATH"

// EnvPrefix is the prefix for configuration environment variables.
const EnvPrefix = "WT_"

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"watchtower.yaml",
	"watchtower.yml",
	"/etc/watchtower/config.yaml",
	"/etc/watchtower/config.yml",
}

// Load builds the configuration from defaults, an optional YAML file and
// WT_-prefixed environment variables, then validates it. Precedence:
// env > file > defaults.
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile is Load with an explicit config file path, for tests and the
// -config flag.
func LoadFile(path string) (*Config, error) {
	return loadFrom(path)
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// WT_RISK_DECAY_HALF_LIFE -> risk.decay_half_life. Sections are single
	// words, so the first underscore is the section delimiter.
	if err := k.Load(env.Provider(EnvPrefix, ".", envToPath), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envToPath maps WT_SECTION_KEY_NAME to section.key_name.
func envToPath(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == strings.ToLower(strings.TrimPrefix(ConfigPathEnvVar, EnvPrefix)) {
		return "" // handled separately, not a config key
	}
	section, key, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	return section + "." + key
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := c.validateWeights(); err != nil {
		return err
	}
	if c.Stats.ZScoreHigh < c.Stats.ZScoreThreshold {
		return fmt.Errorf("stats.zscore_high (%v) must be >= stats.zscore_threshold (%v)",
			c.Stats.ZScoreHigh, c.Stats.ZScoreThreshold)
	}
	if c.Alerting.NotifyConfidence < c.Alerting.MinConfidence {
		return fmt.Errorf("alerting.notify_confidence must be >= alerting.min_confidence")
	}
	return nil
}
