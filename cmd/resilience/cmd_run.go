// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fablewood/resilience/cmd/resilience/config"
	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/pkg/telemetry"
	"github.com/fablewood/resilience/pkg/ux"
	"github.com/fablewood/resilience/services/recovery"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var runConfigPath string // explicit config file, empty uses the singleton

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// runCmd starts the daemon.
//
// # Description
//
// Initializes the recovery core (environment detection, session recovery,
// offline fallback, health monitoring) and serves the local debug surface
// until SIGINT or SIGTERM. The config file is watched; changes to the log
// level apply without a restart, everything else needs one.
//
// # Examples
//
//	resilience run                       # config from ~/.fablewood/resilience.yaml
//	resilience run --config ./dev.yaml   # explicit config file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resilience daemon and its debug surface",
	Long: `Runs the Fablewood resilience daemon.

Initialization walks the startup phases under a watchdog: environment
detection, container integration, session recovery, core startup, health
monitoring, and recovery arming. Failures degrade the operating mode
(full, limited, offline, recovery, emergency) instead of aborting.

The debug surface serves health, diagnostics, log export, error intake,
a websocket event feed, and Prometheus /metrics on the configured
address.

Examples:
  resilience run                       # config from ~/.fablewood/resilience.yaml
  resilience run --config ./dev.yaml   # explicit config file`,
	Run: runDaemonCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config", "",
		"Config file path (default ~/.fablewood/resilience.yaml)")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runDaemonCommand(cmd *cobra.Command, args []string) {
	if err := runDaemon(runConfigPath); err != nil {
		log.Fatalf("Error running the daemon: %v", err)
	}
}

func runDaemon(configPath string) error {
	cfg, cfgPath, err := loadDaemonConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := buildLogger(cfg)
	defer logger.Close()

	ux.Title("Fablewood Resilience")
	ux.KeyValue("version", version)
	ux.KeyValue("config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version,
		Environment:    cfg.Service.Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	sys, cleanup, err := buildSystem(cfg, logger)
	if err != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if terr := shutdownTelemetry(flushCtx); terr != nil {
			logger.Warn("telemetry shutdown incomplete", "error", terr.Error())
		}
		return err
	}
	defer cleanup()

	res := sys.InitializeSystem(ctx)
	switch {
	case res.Success && res.Mode == recovery.ModeFull:
		ux.Success(fmt.Sprintf("System initialized in %s mode", res.Mode))
	case res.Success:
		ux.Warning(fmt.Sprintf("System initialized degraded, %s mode", res.Mode))
	default:
		ux.Warning(fmt.Sprintf("Initialization failed, running in %s mode", res.Mode))
	}

	watcher, err := config.NewWatcher(cfgPath, logger, func(next *config.Config) {
		logger.SetLevel(logging.ParseLevel(next.Logging.Level))
	})
	if err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go watcher.Start(ctx)
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           recovery.NewRouter(sys),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("debug surface listening", "addr", cfg.Server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	ux.Info(fmt.Sprintf("Debug surface on http://%s", cfg.Server.Addr))
	ux.Tip("resilience health --addr " + cfg.Server.Addr + " shows component status")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("debug surface: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err.Error())
	}
	if err := sys.Shutdown(shutdownCtx); err != nil {
		logger.Warn("system shutdown incomplete", "error", err.Error())
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", "error", err.Error())
	}

	ux.Success("Shutdown complete")
	return runErr
}
