// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and watches the daemon's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance
	Global Config
	once   sync.Once

	configValidate *validator.Validate
)

func init() {
	configValidate = validator.New()
}

// Path returns the canonical config file location.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".fablewood", "resilience.yaml"), nil
}

// Load ensures the config is loaded into the Global variable. The first
// call reads ~/.fablewood/resilience.yaml, writing a commented default
// when the file does not exist yet.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

func loadInternal() error {
	configPath, err := Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", configPath)
		if err := createDefault(configPath); err != nil {
			return err
		}
	}
	cfg, err := LoadFrom(configPath)
	if err != nil {
		return err
	}
	Global = *cfg
	return nil
}

// LoadFrom reads, defaults, expands, and validates a single config file
// without touching the Global singleton. The watcher and tests use it
// directly.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file: %w", err)
	}
	cfg.applyDefaults()
	cfg.expandPaths()
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the struct tags on a loaded config.
func Validate(cfg *Config) error {
	return configValidate.Struct(cfg)
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigFile), 0644)
}

// defaultConfigFile is the commented template a first run writes. It must
// stay in sync with DefaultConfig.
const defaultConfigFile = `# Fablewood resilience daemon configuration.
# Durations are Go style: "500ms", "3s", "2m".

service:
  name: resilience
  # development, staging, or production
  environment: development
  # Root for on-disk state (stores, diagnostics, offline queue). Supports ~.
  data_dir: ~/.fablewood/resilience
  # Wrapper shell loopback bridge. Empty uses the built-in default
  # (http://127.0.0.1:18751).
  bridge_url: ""

logging:
  # debug, info, warn, error, or critical
  level: info
  # Structured JSON on stderr instead of text. File output is always JSON.
  json: false
  # Directory for daily log files. Empty disables file logging.
  dir: ""
  # In-memory entries kept for the diagnostics log export.
  history_size: 1000

provider:
  # Auth API root, no trailing slash.
  base_url: https://api.fablewood.app
  # Sent as the "apikey" header when set.
  api_key: ""
  timeout: 10s
  # Outbound requests per second, and the burst allowance.
  rate_limit: 5
  rate_burst: 10

stores:
  # Empty derives <data_dir>/badger and <data_dir>/persistent.
  badger_dir: ""
  file_dir: ""
  # In-memory stores. Nothing survives a restart; development only.
  in_memory: false
  # Durable badger writes. Turning this off trades safety for speed.
  sync_writes: true
  # Badger value-log GC cadence. "0s" disables GC.
  gc_interval: 5m

health:
  # Periodic component evaluation cadence.
  interval: 30s
  # Connectivity probe. Any HTTP response at all counts as online.
  probe_url: https://api.fablewood.app/health
  probe_timeout: 3s

recovery:
  # Bound on initialization before the watchdog forces recovery mode.
  watchdog_timeout: 5s
  # Wait before retrying after a rate-limited failure.
  rate_limit_cooldown: 2s
  # Token refresh attempts per recovery pass.
  max_refresh_attempts: 3
  # Degrade to an anonymous guest session when every strategy fails.
  fallback_to_guest: true
  # Empty derives <data_dir>/diagnostics.
  diagnostics_dir: ""

offline:
  # Run the background sync worker that drains the deferred queue.
  enabled: true
  # Queued operations are POSTed here once online. Empty derives
  # <provider.base_url>/sync/v1/operations.
  sync_endpoint: ""

server:
  # Debug surface: health, diagnostics, error intake, event stream, /metrics.
  addr: 127.0.0.1:8787
  read_header_timeout: 5s
  shutdown_timeout: 10s

telemetry:
  # otlp, stdout, or none
  trace_exporter: none
  # prometheus, stdout, or none
  metric_exporter: prometheus
  # Host:port of the OTLP gRPC collector when trace_exporter is otlp.
  otlp_endpoint: localhost:4317
  otlp_insecure: true
`
