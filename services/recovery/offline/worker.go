// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package offline

import (
	"context"
	"errors"

	"github.com/fablewood/resilience/services/recovery/events"
)

// StartSyncWorker launches the background goroutine that drains the queue
// whenever connectivity returns.
//
// # Description
//
// The worker watches the connectivity checker, drains immediately if
// already online, then drains on every offline-to-online transition. The
// watch is registered before StartSyncWorker returns, so transitions after
// a successful start are never missed. Only one worker runs at a time;
// after StopSyncWorker, or after ctx cancellation ends the worker, a new
// one may be started.
func (m *Manager) StartSyncWorker(ctx context.Context) error {
	if m.queue == nil {
		return ErrNoQueue
	}
	if m.executor == nil {
		return ErrNoExecutor
	}

	m.workerMu.Lock()
	defer m.workerMu.Unlock()

	if m.workerUp.Load() {
		return ErrWorkerRunning
	}
	m.workerUp.Store(true)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	watch := m.checker.Watch(ctx)
	go m.runWorker(ctx, watch, m.stopCh, m.doneCh)

	m.logger.Info("sync worker started")
	m.publishWorkerState("not_applicable", "active", "sync worker started")
	return nil
}

// StopSyncWorker stops the background worker and waits for it to exit.
// Stopping an idle manager is a no-op.
func (m *Manager) StopSyncWorker() {
	m.workerMu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.workerMu.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-doneCh

	m.logger.Info("sync worker stopped")
	m.publishWorkerState("active", "not_applicable", "sync worker stopped")
}

// SyncWorkerRunning reports whether the background worker is up. Goes
// false when the worker exits for any reason, including context
// cancellation.
func (m *Manager) SyncWorkerRunning() bool {
	return m.workerUp.Load()
}

func (m *Manager) runWorker(ctx context.Context, watch <-chan bool, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		m.workerUp.Store(false)
		close(doneCh)
	}()

	online := m.checker.Online(ctx)
	if online {
		m.drainQuietly(ctx)
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case state, ok := <-watch:
			if !ok {
				return
			}
			if state && !online {
				m.logger.Info("connectivity restored, draining sync queue")
				m.drainQuietly(ctx)
			}
			online = state
		}
	}
}

// drainQuietly runs a drain and logs instead of propagating errors; the
// queue keeps whatever did not sync.
func (m *Manager) drainQuietly(ctx context.Context) {
	_, err := m.SynchronizeWhenOnline(ctx)
	if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		m.logger.Warn("background sync drain failed", "error", err.Error())
	}
}

func (m *Manager) publishWorkerState(from, to, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.TypeComponentHealthChanged, events.ComponentHealthChange{
		Component: events.ComponentSyncWorker,
		From:      from,
		To:        to,
		Reason:    reason,
	})
}
