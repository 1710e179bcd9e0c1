// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Save writes the configuration to path atomically. The file may contain
// proxy credentials, so it is not world-readable.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Repair loads path leniently, fills every missing or invalid field from
// the defaults, and returns the repaired configuration. Used by
// `configure --repair` to make an existing file loadable again.
func Repair(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	// Unmarshal over the defaults; unknown or broken fields keep them.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return Default(), nil
	}
	d := Default()
	switch cfg.Mode {
	case ModeConnected, ModeIsolated, ModePassthrough:
	default:
		cfg.Mode = d.Mode
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		cfg.Port = d.Port
	}
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.FRL.RemoteHost == "" {
		cfg.FRL.RemoteHost = d.FRL.RemoteHost
	}
	if cfg.Log.RemoteHost == "" {
		cfg.Log.RemoteHost = d.Log.RemoteHost
	}
	if cfg.DBPath == "" {
		cfg.DBPath = d.DBPath
	}
	if cfg.Upstream.Timeout <= 0 {
		cfg.Upstream.Timeout = d.Upstream.Timeout
	}
	if cfg.Upstream.MaxAttempts < 1 {
		cfg.Upstream.MaxAttempts = d.Upstream.MaxAttempts
	}
	if cfg.Upstream.UseProxy && cfg.Upstream.ProxyProtocol == "" {
		cfg.Upstream.ProxyProtocol = d.Upstream.ProxyProtocol
	}
	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		cfg.Logging.Level = d.Logging.Level
	}
	switch cfg.Logging.Destination {
	case "stdout", "file":
	default:
		cfg.Logging.Destination = d.Logging.Destination
	}
	if cfg.LicenseBodyLimitKB <= 0 {
		cfg.LicenseBodyLimitKB = d.LicenseBodyLimitKB
	}
	if cfg.LogBodyLimitKB <= 0 {
		cfg.LogBodyLimitKB = d.LogBodyLimitKB
	}
	return cfg, nil
}
