// Package config loads membrane tunables from YAML and the environment.
//
// Environment variables use the MEMBRANE_ prefix with an underscore
// section separator: MEMBRANE_QUARANTINE_MAX_BYTES overrides
// quarantine.max_bytes. Environment always wins over file values.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MEMBRANE_"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full tunable surface. Zero/empty fields fall back to
// component defaults downstream.
type Config struct {
	// Mode mirrors MEMBRANE_MODE for file-based configuration; the
	// dedicated env var still takes precedence at membrane construction.
	Mode string `koanf:"mode"`

	Quarantine struct {
		MaxBytes   uint64 `koanf:"max_bytes"`
		MaxEntries int    `koanf:"max_entries"`
	} `koanf:"quarantine"`

	Audit struct {
		RingSize int `koanf:"ring_size"`
	} `koanf:"audit"`

	Kernel struct {
		ResampleEvery uint64 `koanf:"resample_every"`
		RedesignEvery uint64 `koanf:"redesign_every"`
	} `koanf:"kernel"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Metrics struct {
		Enabled bool   `koanf:"enabled"`
		Listen  string `koanf:"listen"`
	} `koanf:"metrics"`
}

// Default returns the baseline configuration.
func Default() Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Metrics.Listen = ":9464"
	return c
}

// Load builds a Config from optional YAML content overlaid with
// MEMBRANE_-prefixed environment variables.
func Load(yamlContent []byte) (Config, error) {
	k := koanf.New(".")

	if len(yamlContent) > 0 {
		if err := k.Load(rawbytes.Provider(yamlContent), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	// MEMBRANE_QUARANTINE_MAX_BYTES -> quarantine.max_bytes
	// MEMBRANE_MODE               -> mode
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can honor.
func (c Config) Validate() error {
	if c.Quarantine.MaxEntries < 0 {
		return fmt.Errorf("%w: quarantine.max_entries must be >= 0", ErrInvalidConfig)
	}
	if c.Audit.RingSize < 0 {
		return fmt.Errorf("%w: audit.ring_size must be >= 0", ErrInvalidConfig)
	}
	if c.Kernel.RedesignEvery != 0 && c.Kernel.ResampleEvery != 0 &&
		c.Kernel.RedesignEvery%c.Kernel.ResampleEvery != 0 {
		return fmt.Errorf("%w: kernel.redesign_every must be a multiple of kernel.resample_every", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("%w: log.format must be json or console", ErrInvalidConfig)
	}
	return nil
}
