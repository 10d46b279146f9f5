// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a Store with one file per key under a directory. It is the
// restart-surviving tier: session backups written here outlive the process
// and the embedded database, matching what the app keeps in local storage.
//
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn value behind.
type FileStore struct {
	dir string

	// mu serializes writers per store. Renames are atomic, but two
	// concurrent writers to the same key could otherwise race on the temp
	// file cleanup.
	mu sync.Mutex
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store: dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("file store: create dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Name identifies the backend.
func (s *FileStore) Name() string { return "file" }

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// Get returns the file contents for key, or ErrKeyNotFound.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return nil, fmt.Errorf("file store: read %q: %w", key, err)
	}
	return data, nil
}

// Set writes value to the key's file via temp file + rename.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".write-*")
	if err != nil {
		return fmt.Errorf("file store: create temp for %q: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file store: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: close temp for %q: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: commit %q: %w", key, err)
	}
	return nil
}

// Delete removes the key's file. Absent keys are a no-op.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: delete %q: %w", key, err)
	}
	return nil
}

// Close is a no-op; files need no teardown.
func (s *FileStore) Close() error { return nil }

// path maps a key to its file. Keys pass through encodeKey so separators
// and other unsafe bytes cannot escape the store directory.
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+".json")
}

// encodeKey escapes everything outside [A-Za-z0-9._-] as %XX. The encoding
// is injective, so distinct keys never collide on disk.
func encodeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}
