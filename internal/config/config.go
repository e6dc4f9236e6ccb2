package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/lfmarques/susurro/internal/cryptobox"
)

// Config represents the global ~/.susurro/config.toml.
type Config struct {
	DefaultProfile string           `toml:"default_profile"`
	KDF            cryptobox.Params `toml:"kdf"`
	Call           CallConfig       `toml:"call"`
	Clock          ClockConfig      `toml:"clock"`
}

// CallConfig tunes the call session state machine.
type CallConfig struct {
	// DialTimeoutSec bounds how long an outgoing call waits for the peer.
	DialTimeoutSec int `toml:"dial_timeout_sec"`
	// RingTimeoutSec bounds how long an incoming call rings locally.
	RingTimeoutSec int `toml:"ring_timeout_sec"`
}

// ClockConfig tunes the clock synchronization service.
type ClockConfig struct {
	// DriftWarnThresholdMs is the absolute offset beyond which a drift
	// diagnostic is raised.
	DriftWarnThresholdMs int `toml:"drift_warn_threshold_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		KDF:            cryptobox.DefaultParams(),
		Call: CallConfig{
			DialTimeoutSec: 45,
			RingTimeoutSec: 45,
		},
		Clock: ClockConfig{
			DriftWarnThresholdMs: 5000,
		},
	}
}

// Load reads config from the given path and fills unset sections with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = def.DefaultProfile
	}
	if cfg.KDF.Algorithm == "" {
		cfg.KDF = def.KDF
	}
	if cfg.Call.DialTimeoutSec <= 0 {
		cfg.Call.DialTimeoutSec = def.Call.DialTimeoutSec
	}
	if cfg.Call.RingTimeoutSec <= 0 {
		cfg.Call.RingTimeoutSec = def.Call.RingTimeoutSec
	}
	if cfg.Clock.DriftWarnThresholdMs <= 0 {
		cfg.Clock.DriftWarnThresholdMs = def.Clock.DriftWarnThresholdMs
	}
}
