// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fablewood/resilience/pkg/logging"
)

// DefaultKeep is how many stored reports survive pruning.
const DefaultKeep = 10

// reportPattern matches stored report files. Names embed the generation
// time so lexical order equals chronological order.
const reportPattern = "diagnostic_*.json"

// Storage persists emergency report snapshots to disk with keep-last-N
// retention. The device has limited space and old reports lose value
// fast; the newest few are what support actually asks for.
type Storage struct {
	dir    string
	keep   int
	logger *logging.Logger

	mu sync.Mutex
}

// NewStorage creates the diagnostics directory if needed. keep <= 0 means
// DefaultKeep.
func NewStorage(dir string, keep int, logger *logging.Logger) (*Storage, error) {
	if dir == "" {
		return nil, fmt.Errorf("diagnostics storage: dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("diagnostics storage: create dir %s: %w", dir, err)
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Storage{
		dir:    dir,
		keep:   keep,
		logger: logger.For(logging.CategoryDiagnostics),
	}, nil
}

// Save writes the report as JSON via temp file + rename, prunes reports
// beyond the retention limit, and returns the written path.
func (s *Storage) Save(r *Report) (string, error) {
	data, err := FormatJSON(r)
	if err != nil {
		return "", fmt.Errorf("diagnostics storage: encode report %s: %w", r.Metadata.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, reportFileName(r))

	tmp, err := os.CreateTemp(s.dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("diagnostics storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("diagnostics storage: write report %s: %w", r.Metadata.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("diagnostics storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("diagnostics storage: commit report %s: %w", r.Metadata.ID, err)
	}

	s.pruneLocked()

	s.logger.Info("diagnostic report persisted",
		"report_id", r.Metadata.ID,
		"path", path,
	)
	return path, nil
}

// List returns stored report paths, newest first.
func (s *Storage) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.sortedPathsLocked()
	if err != nil {
		return nil, err
	}

	// sortedPathsLocked is oldest first; reverse for newest first.
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}
	return paths, nil
}

// Load reads one stored report back.
func (s *Storage) Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("diagnostics storage: read %s: %w", path, err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("diagnostics storage: decode %s: %w", path, err)
	}
	return &r, nil
}

// pruneLocked removes the oldest reports beyond the retention limit.
func (s *Storage) pruneLocked() {
	paths, err := s.sortedPathsLocked()
	if err != nil {
		s.logger.Warn("report retention scan failed", "error", err.Error())
		return
	}

	for len(paths) > s.keep {
		victim := paths[0]
		paths = paths[1:]
		if err := os.Remove(victim); err != nil {
			s.logger.Warn("old report not pruned",
				"path", victim,
				"error", err.Error(),
			)
		}
	}
}

// sortedPathsLocked returns stored report paths, oldest first.
func (s *Storage) sortedPathsLocked() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, reportPattern))
	if err != nil {
		return nil, fmt.Errorf("diagnostics storage: list reports: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// reportFileName embeds the UTC generation time and a short ID so names
// sort chronologically and never collide.
func reportFileName(r *Report) string {
	id := r.Metadata.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("diagnostic_%s_%s.json",
		r.Metadata.GeneratedAt.UTC().Format("20060102T150405Z"), id)
}
