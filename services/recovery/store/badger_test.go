// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBadgerStore_InMemoryCRUD verifies the embedded database tier
// round-trips values.
func TestBadgerStore_InMemoryCRUD(t *testing.T) {
	ctx := context.Background()

	s, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Set(ctx, "session", []byte(`{"user":"u1"}`)))

	got, err := s.Get(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"user":"u1"}`), got)

	require.NoError(t, s.Delete(ctx, "session"))
	_, err = s.Get(ctx, "session")
	assert.True(t, IsNotFound(err))

	// Deleting an absent key is a no-op.
	assert.NoError(t, s.Delete(ctx, "session"))
}

// TestBadgerStore_Persistence verifies data survives close and reopen.
func TestBadgerStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultBadgerConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	s, err := OpenBadger(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "persistent", []byte("value")))
	require.NoError(t, s.Close())

	s2, err := OpenBadger(cfg)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "persistent")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

// TestBadgerStore_RequiresPath verifies persistent mode needs a path.
func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{InMemory: false, Path: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestBadgerStore_Keys verifies prefix iteration for the sync queue.
func TestBadgerStore_Keys(t *testing.T) {
	ctx := context.Background()

	s, err := OpenBadger(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(ctx, "sync-queue/0001", []byte("a")))
	require.NoError(t, s.Set(ctx, "sync-queue/0002", []byte("b")))
	require.NoError(t, s.Set(ctx, "other/0001", []byte("c")))

	keys, err := s.Keys(ctx, "sync-queue/")
	require.NoError(t, err)
	assert.Equal(t, []string{"sync-queue/0001", "sync-queue/0002"}, keys)

	keys, err = s.Keys(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestBadgerStore_GCRunnerLifecycle verifies the GC runner starts and stops
// cleanly with a persistent store.
func TestBadgerStore_GCRunnerLifecycle(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultBadgerConfig()
	cfg.Path = dir
	cfg.GCInterval = 10 * time.Millisecond // fire at least once in the test window

	s, err := OpenBadger(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(ctx, "churn", []byte("some value that keeps getting rewritten")))
	}

	// Close must stop the runner without hanging.
	require.NoError(t, s.Close())
}
