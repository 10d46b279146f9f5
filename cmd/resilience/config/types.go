// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so the YAML file carries values like "30s"
// or "2500ms" instead of nanosecond integers.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon's file configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Logging   LoggingConfig   `yaml:"logging"`
	Provider  ProviderConfig  `yaml:"provider"`
	Stores    StoresConfig    `yaml:"stores"`
	Health    HealthConfig    `yaml:"health"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Offline   OfflineConfig   `yaml:"offline"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Environment string `yaml:"environment" validate:"oneof=development staging production"`
	DataDir     string `yaml:"data_dir" validate:"required"`        // root for on-disk state, supports ~
	BridgeURL   string `yaml:"bridge_url" validate:"omitempty,url"` // empty uses the built-in loopback default
}

type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn warning error critical"`
	JSON        bool   `yaml:"json"`
	Dir         string `yaml:"dir"` // empty disables file logging
	HistorySize int    `yaml:"history_size" validate:"gte=0"`
}

type ProviderConfig struct {
	BaseURL   string   `yaml:"base_url" validate:"required,url"`
	APIKey    string   `yaml:"api_key"`
	Timeout   Duration `yaml:"timeout" validate:"gte=0"`
	RateLimit float64  `yaml:"rate_limit" validate:"gte=0"` // requests per second
	RateBurst int      `yaml:"rate_burst" validate:"gte=0"`
}

type StoresConfig struct {
	BadgerDir  string   `yaml:"badger_dir"` // empty derives <data_dir>/badger
	FileDir    string   `yaml:"file_dir"`   // empty derives <data_dir>/persistent
	InMemory   bool     `yaml:"in_memory"`  // nothing survives a restart; development only
	SyncWrites *bool    `yaml:"sync_writes"`
	GCInterval Duration `yaml:"gc_interval" validate:"gte=0"`
}

// SyncWritesEnabled reports whether badger writes are durable. Unset means
// enabled.
func (s StoresConfig) SyncWritesEnabled() bool {
	return s.SyncWrites == nil || *s.SyncWrites
}

type HealthConfig struct {
	Interval     Duration `yaml:"interval" validate:"gte=0"`
	ProbeURL     string   `yaml:"probe_url" validate:"omitempty,url"`
	ProbeTimeout Duration `yaml:"probe_timeout" validate:"gte=0"`
}

type RecoveryConfig struct {
	WatchdogTimeout    Duration `yaml:"watchdog_timeout" validate:"gte=0"`
	RateLimitCooldown  Duration `yaml:"rate_limit_cooldown" validate:"gte=0"`
	MaxRefreshAttempts int      `yaml:"max_refresh_attempts" validate:"gte=0,lte=10"`
	FallbackToGuest    *bool    `yaml:"fallback_to_guest"`
	DiagnosticsDir     string   `yaml:"diagnostics_dir"` // empty derives <data_dir>/diagnostics
}

// GuestFallback reports whether the guest-session floor is enabled. Unset
// means enabled.
func (r RecoveryConfig) GuestFallback() bool {
	return r.FallbackToGuest == nil || *r.FallbackToGuest
}

type OfflineConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	SyncEndpoint string `yaml:"sync_endpoint" validate:"omitempty,url"` // empty derives <provider.base_url>/sync/v1/operations
}

// IsEnabled reports whether the background sync worker runs. Unset means
// enabled.
func (o OfflineConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

type ServerConfig struct {
	Addr              string   `yaml:"addr" validate:"required,hostname_port"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the values the first-run file is written with.
func DefaultConfig() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "resilience",
			Environment: "development",
			DataDir:     "~/.fablewood/resilience",
		},
		Logging: LoggingConfig{
			Level:       "info",
			HistorySize: 1000,
		},
		Provider: ProviderConfig{
			BaseURL:   "https://api.fablewood.app",
			Timeout:   Duration(10 * time.Second),
			RateLimit: 5,
			RateBurst: 10,
		},
		Stores: StoresConfig{
			GCInterval: Duration(5 * time.Minute),
		},
		Health: HealthConfig{
			Interval:     Duration(30 * time.Second),
			ProbeURL:     "https://api.fablewood.app/health",
			ProbeTimeout: Duration(3 * time.Second),
		},
		Recovery: RecoveryConfig{
			WatchdogTimeout:    Duration(5 * time.Second),
			RateLimitCooldown:  Duration(2 * time.Second),
			MaxRefreshAttempts: 3,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			ReadHeaderTimeout: Duration(5 * time.Second),
			ShutdownTimeout:   Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// applyDefaults fills zero fields from DefaultConfig and derives the
// store and diagnostics directories from the data dir.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Service.Name == "" {
		c.Service.Name = def.Service.Name
	}
	if c.Service.Environment == "" {
		c.Service.Environment = def.Service.Environment
	}
	if c.Service.DataDir == "" {
		c.Service.DataDir = def.Service.DataDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.HistorySize == 0 {
		c.Logging.HistorySize = def.Logging.HistorySize
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = def.Provider.BaseURL
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = def.Provider.Timeout
	}
	if c.Provider.RateLimit == 0 {
		c.Provider.RateLimit = def.Provider.RateLimit
	}
	if c.Provider.RateBurst == 0 {
		c.Provider.RateBurst = def.Provider.RateBurst
	}
	if c.Stores.GCInterval == 0 {
		c.Stores.GCInterval = def.Stores.GCInterval
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = def.Health.Interval
	}
	if c.Health.ProbeURL == "" {
		c.Health.ProbeURL = def.Health.ProbeURL
	}
	if c.Health.ProbeTimeout == 0 {
		c.Health.ProbeTimeout = def.Health.ProbeTimeout
	}
	if c.Recovery.WatchdogTimeout == 0 {
		c.Recovery.WatchdogTimeout = def.Recovery.WatchdogTimeout
	}
	if c.Recovery.RateLimitCooldown == 0 {
		c.Recovery.RateLimitCooldown = def.Recovery.RateLimitCooldown
	}
	if c.Recovery.MaxRefreshAttempts == 0 {
		c.Recovery.MaxRefreshAttempts = def.Recovery.MaxRefreshAttempts
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = def.Telemetry.TraceExporter
	}
	if c.Telemetry.MetricExporter == "" {
		c.Telemetry.MetricExporter = def.Telemetry.MetricExporter
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = def.Telemetry.OTLPEndpoint
	}

	if c.Stores.BadgerDir == "" {
		c.Stores.BadgerDir = filepath.Join(c.Service.DataDir, "badger")
	}
	if c.Stores.FileDir == "" {
		c.Stores.FileDir = filepath.Join(c.Service.DataDir, "persistent")
	}
	if c.Recovery.DiagnosticsDir == "" {
		c.Recovery.DiagnosticsDir = filepath.Join(c.Service.DataDir, "diagnostics")
	}
	if c.Offline.SyncEndpoint == "" {
		c.Offline.SyncEndpoint = c.Provider.BaseURL + "/sync/v1/operations"
	}
}

// expandPaths expands a leading ~ in every directory field.
func (c *Config) expandPaths() {
	c.Service.DataDir = expandPath(c.Service.DataDir)
	c.Logging.Dir = expandPath(c.Logging.Dir)
	c.Stores.BadgerDir = expandPath(c.Stores.BadgerDir)
	c.Stores.FileDir = expandPath(c.Stores.FileDir)
	c.Recovery.DiagnosticsDir = expandPath(c.Recovery.DiagnosticsDir)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
