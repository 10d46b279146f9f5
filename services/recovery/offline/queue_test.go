// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustQueue(t *testing.T, m *Manager, ops ...Operation) {
	t.Helper()
	for _, op := range ops {
		require.NoError(t, m.QueueForSync(context.Background(), op))
	}
}

func TestQueueForSync_RequiresKind(t *testing.T) {
	tm := newTestManager(t)

	err := tm.manager.QueueForSync(context.Background(), Operation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind")
}

func TestQueueForSync_RequiresQueue(t *testing.T) {
	tm := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Queue = nil
	})

	err := tm.manager.QueueForSync(context.Background(), Operation{Kind: "progress-update"})
	require.ErrorIs(t, err, ErrNoQueue)
}

func TestQueueForSync_DefaultsIDAndTime(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	mustQueue(t, tm.manager, Operation{Kind: "progress-update"})

	res, err := tm.manager.SynchronizeWhenOnline(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)

	ops := tm.executor.executed()
	require.Len(t, ops, 1)
	assert.NotEmpty(t, ops[0].ID)
	assert.False(t, ops[0].EnqueuedAt.IsZero())
}

func TestPendingSync_CountsQueued(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	pending, err := tm.manager.PendingSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	mustQueue(t, tm.manager,
		Operation{Kind: "progress-update"},
		Operation{Kind: "story-bookmark"},
		Operation{Kind: "profile-change"},
	)

	pending, err = tm.manager.PendingSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestSynchronizeWhenOnline_FailsOffline(t *testing.T) {
	tm := newTestManager(t)
	tm.checker.SetOnline(false)

	mustQueue(t, tm.manager, Operation{Kind: "progress-update"})

	_, err := tm.manager.SynchronizeWhenOnline(context.Background())
	require.ErrorIs(t, err, ErrOffline)

	// Nothing was dropped.
	pending, perr := tm.manager.PendingSync(context.Background())
	require.NoError(t, perr)
	assert.Equal(t, 1, pending)
}

func TestSynchronizeWhenOnline_RequiresExecutor(t *testing.T) {
	tm := newTestManager(t, func(cfg *ManagerConfig) {
		cfg.Executor = nil
	})

	_, err := tm.manager.SynchronizeWhenOnline(context.Background())
	require.ErrorIs(t, err, ErrNoExecutor)
}

func TestSynchronizeWhenOnline_EmptyQueue(t *testing.T) {
	tm := newTestManager(t)

	res, err := tm.manager.SynchronizeWhenOnline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 0, res.Failed)
}

func TestSynchronizeWhenOnline_DrainsInEnqueueOrder(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	// Insert out of chronological order; drain order must follow
	// EnqueuedAt, not insertion.
	mustQueue(t, tm.manager,
		Operation{ID: "b", Kind: "progress-update", EnqueuedAt: base.Add(2 * time.Second)},
		Operation{ID: "a", Kind: "progress-update", EnqueuedAt: base.Add(1 * time.Second)},
		Operation{ID: "c", Kind: "progress-update", EnqueuedAt: base.Add(3 * time.Second)},
	)

	res, err := tm.manager.SynchronizeWhenOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)

	ops := tm.executor.executed()
	require.Len(t, ops, 3)
	assert.Equal(t, "a", ops[0].ID)
	assert.Equal(t, "b", ops[1].ID)
	assert.Equal(t, "c", ops[2].ID)
}

func TestSynchronizeWhenOnline_PreservesPayload(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]any{"story_id": "story-7", "page": 12})
	require.NoError(t, err)

	mustQueue(t, tm.manager, Operation{Kind: "progress-update", Payload: payload})

	_, err = tm.manager.SynchronizeWhenOnline(ctx)
	require.NoError(t, err)

	ops := tm.executor.executed()
	require.Len(t, ops, 1)
	assert.JSONEq(t, string(payload), string(ops[0].Payload))
}

func TestSynchronizeWhenOnline_FailuresStayQueued(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	tm.executor.failKind("story-bookmark", errors.New("backend rejected"))

	mustQueue(t, tm.manager,
		Operation{Kind: "progress-update"},
		Operation{Kind: "story-bookmark"},
		Operation{Kind: "profile-change"},
	)

	res, err := tm.manager.SynchronizeWhenOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "backend rejected")

	pending, err := tm.manager.PendingSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// The failed operation drains once the backend accepts it.
	tm.executor.clearFailures()
	res, err = tm.manager.SynchronizeWhenOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Failed)

	pending, err = tm.manager.PendingSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestSynchronizeWhenOnline_SingleFlight(t *testing.T) {
	tm := newTestManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	tm.manager.executor = SyncExecutorFunc(func(ctx context.Context, op Operation) error {
		close(started)
		<-release
		return nil
	})

	mustQueue(t, tm.manager, Operation{Kind: "progress-update"})

	errCh := make(chan error, 1)
	go func() {
		_, err := tm.manager.SynchronizeWhenOnline(ctx)
		errCh <- err
	}()

	<-started
	_, err := tm.manager.SynchronizeWhenOnline(ctx)
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-errCh)
}

func TestSynchronizeWhenOnline_CancelledMidDrain(t *testing.T) {
	tm := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tm.manager.executor = SyncExecutorFunc(func(ctx context.Context, op Operation) error {
		cancel()
		return nil
	})

	base := time.Now()
	mustQueue(t, tm.manager,
		Operation{ID: "a", Kind: "progress-update", EnqueuedAt: base},
		Operation{ID: "b", Kind: "progress-update", EnqueuedAt: base.Add(time.Second)},
	)

	res, err := tm.manager.SynchronizeWhenOnline(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Synced)

	// Cancellation lands between execute and dequeue, so the first
	// operation may replay. Both remain queued; nothing is lost.
	pending, perr := tm.manager.PendingSync(context.Background())
	require.NoError(t, perr)
	assert.Equal(t, 2, pending)
}
