// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fablewood/resilience/pkg/logging"
)

// Watcher reloads the config file when it changes on disk.
//
// # Description
//
// Watches the directory containing the config file (editors replace the
// file by rename, which breaks a watch on the file itself) and re-runs
// LoadFrom on every change. A change that fails to parse or validate is
// logged and dropped; the previous config stays in effect. Valid reloads
// are handed to the callback, which decides what is safe to apply at
// runtime.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *logging.Logger
}

// NewWatcher creates a watcher for the given config file. The callback
// receives every successfully validated reload.
func NewWatcher(path string, logger *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	return &Watcher{
		path:     path,
		watcher:  watcher,
		onChange: onChange,
		logger:   logger.For(logging.CategoryLifecycle),
	}, nil
}

// Start begins watching for config changes.
//
// # Description
//
// Blocks until the context is cancelled or Stop is called. Should be run
// in a goroutine:
//
//	watcher, _ := config.NewWatcher(path, logger, apply)
//	go watcher.Start(ctx)
func (w *Watcher) Start(ctx context.Context) {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("failed to watch the config directory",
			"path", w.path,
			"error", err)
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// handleEvent processes a single fsnotify event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	// Writers truncate before they write, and the truncation fires its
	// own event. An empty file at that instant is the half-written state,
	// not a config; parsing it would default every field and deliver a
	// config that never existed on disk. Skip it and let the completed
	// write's event deliver the real content.
	if data, err := os.ReadFile(w.path); err != nil || len(bytes.TrimSpace(data)) == 0 {
		w.logger.Debug("config change skipped, file empty or unreadable mid-write",
			"path", w.path)
		return
	}

	cfg, err := LoadFrom(w.path)
	if err != nil {
		w.logger.Warn("config change rejected, keeping the previous config",
			"path", w.path,
			"error", err)
		return
	}

	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
