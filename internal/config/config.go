// Package config loads the YAML deployment configuration: which key-store
// backend to run, where the stores live, and the recovery-escrow defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	BackendBadger = "badger"
	BackendFS     = "fs"
)

type Config struct {
	// Backend selects the key-store implementation, "badger" or "fs".
	Backend string `yaml:"backend"`

	// KeyStorePath is the directory holding key pairs and envelopes.
	KeyStorePath string `yaml:"keyStorePath"`

	// BlobStorePath is the directory holding encrypted file content.
	BlobStorePath string `yaml:"blobStorePath"`

	// MinimumFreeGB aborts startup when the key-store volume has less free
	// space than this.
	MinimumFreeGB float64 `yaml:"minimumFreeGB"`

	Recovery RecoveryConfig `yaml:"recovery"`
}

type RecoveryConfig struct {
	// Enabled turns on recovery escrow for newly written files at startup.
	Enabled bool `yaml:"enabled"`
}

// Load reads and validates the YAML file at path, filling in defaults for
// absent fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendBadger
	}
	if cfg.Backend != BackendBadger && cfg.Backend != BackendFS {
		return Config{}, fmt.Errorf("unknown key-store backend %q", cfg.Backend)
	}
	if cfg.KeyStorePath == "" {
		return Config{}, fmt.Errorf("keyStorePath is required")
	}
	if cfg.BlobStorePath == "" {
		return Config{}, fmt.Errorf("blobStorePath is required")
	}
	if cfg.MinimumFreeGB == 0 {
		cfg.MinimumFreeGB = 1
	}
	return cfg, nil
}
