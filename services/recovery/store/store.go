// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides the replicated key-value persistence the recovery
// system writes session backups, offline credentials, and mode flags to.
//
// Three backends mirror the storage tiers the app runs on: MemoryStore
// (per-process scratch), FileStore (survives restarts), and BadgerStore
// (embedded database for larger payloads like the sync queue). Replicated
// fans writes out to all of them and reads from the highest-priority backend
// that has the key, so losing any single tier never loses the session.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrKeyNotFound is returned when a key has no value in the store.
var ErrKeyNotFound = errors.New("store: key not found")

// IsNotFound reports whether err means the key was absent rather than the
// read failing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// Store is a key-value backend.
//
// # Description
//
// Values are opaque byte blobs; callers own the encoding (the recovery
// system stores JSON, see GetJSON/SetJSON). Delete of an absent key is not
// an error.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string

	// Get returns the value for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Absent keys are a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// PartialWriteError reports a fan-out operation where every backend failed.
// Per-backend failures that left at least one replica intact are logged,
// not returned.
type PartialWriteError struct {
	// Key is the key being written or deleted.
	Key string

	// Failures maps backend name to its error.
	Failures map[string]error
}

// Error summarizes the failures by backend name.
func (e *PartialWriteError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "store: write of %q failed on all backends:", e.Key)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s: %v;", name, e.Failures[name])
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// Unwrap exposes the per-backend errors to errors.Is/As.
func (e *PartialWriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}

// GetJSON reads key from s and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key in s.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
