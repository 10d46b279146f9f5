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
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fablewood/resilience/services/recovery/store"
)

// queuePrefix namespaces queued operations inside the queue store. The
// zero-padded nanosecond timestamp makes lexicographic key order equal
// enqueue order.
const queuePrefix = "sync-queue/"

// Operation is a unit of deferred work captured while offline.
type Operation struct {
	// ID uniquely identifies the operation. Defaulted when empty.
	ID string `json:"id"`

	// Kind names the operation for the executor, e.g. "progress-update".
	Kind string `json:"kind"`

	// Payload is the operation body, opaque to the queue.
	Payload json.RawMessage `json:"payload,omitempty"`

	// EnqueuedAt orders the queue. Defaulted when zero.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SyncResult summarizes one drain of the queue.
type SyncResult struct {
	// Synced counts operations executed and removed.
	Synced int `json:"synced"`

	// Failed counts operations that errored and remain queued.
	Failed int `json:"failed"`

	// Errors holds one message per failed operation.
	Errors []string `json:"errors,omitempty"`
}

// SyncExecutor replays a queued operation against the live backend.
type SyncExecutor interface {
	Execute(ctx context.Context, op Operation) error
}

// SyncExecutorFunc adapts a function to SyncExecutor.
type SyncExecutorFunc func(ctx context.Context, op Operation) error

// Execute implements SyncExecutor.
func (f SyncExecutorFunc) Execute(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// QueueForSync persists an operation for later replay.
//
// # Description
//
// The queue survives restarts. ID and EnqueuedAt are defaulted when
// unset; Kind is required so the executor can dispatch.
func (m *Manager) QueueForSync(ctx context.Context, op Operation) error {
	if m.queue == nil {
		return ErrNoQueue
	}
	if op.Kind == "" {
		return errors.New("offline: operation kind is required")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.now()
	}

	key := queueKey(op)
	if err := store.SetJSON(ctx, m.queue, key, op); err != nil {
		return fmt.Errorf("queue operation %s: %w", op.ID, err)
	}

	m.logger.Debug("operation queued for sync",
		"operation_id", op.ID,
		"kind", op.Kind,
	)
	return nil
}

// PendingSync reports how many operations await replay.
func (m *Manager) PendingSync(ctx context.Context) (int, error) {
	if m.queue == nil {
		return 0, ErrNoQueue
	}
	keys, err := m.queue.Keys(ctx, queuePrefix)
	if err != nil {
		return 0, fmt.Errorf("list sync queue: %w", err)
	}
	return len(keys), nil
}

// SynchronizeWhenOnline drains the queue through the executor.
//
// # Description
//
// Fails explicitly when offline rather than silently dropping work.
// Operations are replayed in enqueue order; a failed operation stays
// queued for the next drain, so delivery is at-least-once and executors
// must tolerate replays. Only one drain runs at a time.
//
// # Outputs
//
//   - SyncResult: counts for the completed portion, even on error.
//   - error: ErrOffline, ErrNoExecutor, ErrNoQueue, ErrSyncInProgress,
//     or ctx.Err() when cancelled mid-drain.
func (m *Manager) SynchronizeWhenOnline(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	if m.queue == nil {
		return res, ErrNoQueue
	}
	if m.executor == nil {
		return res, ErrNoExecutor
	}
	if !m.checker.Online(ctx) {
		return res, ErrOffline
	}
	if !m.syncing.CompareAndSwap(false, true) {
		return res, ErrSyncInProgress
	}
	defer m.syncing.Store(false)

	keys, err := m.queue.Keys(ctx, queuePrefix)
	if err != nil {
		return res, fmt.Errorf("list sync queue: %w", err)
	}
	if len(keys) == 0 {
		return res, nil
	}

	m.logger.Info("draining sync queue", "pending", len(keys))

	for _, key := range keys {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		var op Operation
		err := store.GetJSON(ctx, m.queue, key, &op)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("read %s: %v", key, err))
			continue
		}

		if err := m.executor.Execute(ctx, op); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s (%s): %v", op.ID, op.Kind, err))
			m.logger.Warn("queued operation failed, will retry next drain",
				"operation_id", op.ID,
				"kind", op.Kind,
				"error", err.Error(),
			)
			continue
		}

		if err := m.queue.Delete(ctx, key); err != nil && !store.IsNotFound(err) {
			m.logger.Warn("synced operation not dequeued, may replay",
				"operation_id", op.ID,
				"error", err.Error(),
			)
		}
		res.Synced++
	}

	m.logger.Info("sync queue drained",
		"synced", res.Synced,
		"failed", res.Failed,
	)
	return res, nil
}

func queueKey(op Operation) string {
	return fmt.Sprintf("%s%020d-%s", queuePrefix, op.EnqueuedAt.UnixNano(), op.ID)
}
