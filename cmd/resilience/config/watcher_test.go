// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablewood/resilience/pkg/logging"
)

func quietTestLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelDebug, Quiet: true})
}

// startWatcher runs a watcher on path and returns the channel of reloads.
// The watch is armed before returning, so a write immediately after cannot
// race the setup.
func startWatcher(t *testing.T, path string) <-chan *Config {
	t.Helper()

	reloads := make(chan *Config, 8)
	w, err := NewWatcher(path, quietTestLogger(), func(cfg *Config) {
		reloads <- cfg
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, w.Stop())
	})

	require.Eventually(t, func() bool {
		return len(w.watcher.WatchList()) > 0
	}, 2*time.Second, 10*time.Millisecond, "watch never armed")

	return reloads
}

// rewriteLevel swaps the log level in an existing config file.
func rewriteLevel(t *testing.T, path, level string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	replaced := strings.Replace(string(data), "level: info", "level: "+level, 1)
	require.NoError(t, os.WriteFile(path, []byte(replaced), 0644))
}

// awaitReload fails the test unless a reload arrives in time.
func awaitReload(t *testing.T, reloads <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-reloads:
		return cfg
	case <-time.After(3 * time.Second):
		t.Fatal("no reload arrived")
		return nil
	}
}

// TestWatcher_ReloadsOnChange verifies a file edit reaches the callback as
// a validated config.
func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, createDefault(path))

	reloads := startWatcher(t, path)
	rewriteLevel(t, path, "debug")

	cfg := awaitReload(t, reloads)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

// TestWatcher_KeepsPreviousOnInvalidChange verifies a broken edit is
// dropped and the watcher keeps running for the next valid one.
func TestWatcher_KeepsPreviousOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, createDefault(path))

	reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0644))
	select {
	case cfg := <-reloads:
		t.Fatalf("invalid config must not be delivered, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644))
	cfg := awaitReload(t, reloads)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

// TestWatcher_SkipsEmptyFile verifies a truncation event, the first half
// of a truncate-then-write save, never delivers a defaulted config. The
// completed write still gets through.
func TestWatcher_SkipsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, createDefault(path))

	reloads := startWatcher(t, path)

	require.NoError(t, os.Truncate(path, 0))
	select {
	case cfg := <-reloads:
		t.Fatalf("empty file must not be delivered, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644))
	cfg := awaitReload(t, reloads)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

// TestWatcher_IgnoresSiblingFiles verifies only the config file itself
// triggers reloads.
func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, createDefault(path))

	reloads := startWatcher(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("level: debug\n"), 0644))
	select {
	case cfg := <-reloads:
		t.Fatalf("sibling file must not trigger a reload, got %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestWatcher_SurvivesAtomicReplace verifies editor-style save (write a
// temp file, rename it over the config) still triggers a reload.
func TestWatcher_SurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resilience.yaml")
	require.NoError(t, createDefault(path))

	reloads := startWatcher(t, path)

	tmp := filepath.Join(dir, "resilience.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("logging:\n  level: error\n"), 0644))
	require.NoError(t, os.Rename(tmp, path))

	cfg := awaitReload(t, reloads)
	assert.Equal(t, "error", cfg.Logging.Level)
}

// TestWatcher_StopUnblocksStart verifies Stop makes a running Start return.
func TestWatcher_StopUnblocksStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, createDefault(path))

	w, err := NewWatcher(path, quietTestLogger(), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(context.Background())
	}()

	require.NoError(t, w.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
