// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
	"github.com/fablewood/resilience/services/recovery/events"
)

// Evaluation intervals. The wrapped-container interval is shorter because
// the native shell can kill a misbehaving webview without warning, so
// stale health costs more there.
const (
	DefaultInterval = 30 * time.Second
	WrappedInterval = 15 * time.Second
)

// ErrAlreadyRunning is returned by Start when the monitor is already up.
var ErrAlreadyRunning = errors.New("health: monitor already running")

// CheckFunc reports one component's current state. Checks must be safe
// for concurrent use; a panicking check marks its component failed.
type CheckFunc func(ctx context.Context) State

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	// Checks maps component keys (events.Component*) to their check
	// functions. Nil entries are dropped.
	Checks map[string]CheckFunc

	// Interval between periodic evaluations. Zero means DefaultInterval.
	Interval time.Duration

	// Bus receives component-health-changed events. Optional.
	Bus events.Publisher

	// Logger for health transitions.
	Logger *logging.Logger
}

// Monitor periodically evaluates component checks and keeps the derived
// overall state current.
//
// # Description
//
// Every evaluation re-runs all checks and recomputes the overall state
// from the full component map. Point updates through SetComponentState
// trigger the same full recompute immediately rather than waiting for
// the next tick. State transitions publish component-health-changed
// events and update the health gauges.
//
// # Thread Safety
//
// Safe for concurrent use.
type Monitor struct {
	checks   map[string]CheckFunc
	interval time.Duration
	bus      events.Publisher
	logger   *logging.Logger

	mu         sync.RWMutex
	components map[string]State
	overall    Overall
	lastCheck  time.Time

	started time.Time

	running atomic.Bool
	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}

	now func() time.Time
}

// NewMonitor builds a monitor. Components begin as not_applicable until
// their first evaluation or point update.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	checks := make(map[string]CheckFunc, len(cfg.Checks))
	components := make(map[string]State, len(cfg.Checks))
	for component, check := range cfg.Checks {
		if check == nil {
			continue
		}
		checks[component] = check
		components[component] = StateNotApplicable
	}

	return &Monitor{
		checks:     checks,
		interval:   interval,
		bus:        cfg.Bus,
		logger:     logger.For(logging.CategoryHealth),
		components: components,
		overall:    ComputeOverall(components),
		started:    time.Now(),
		now:        time.Now,
	}
}

// Start launches the periodic evaluation loop. The first evaluation runs
// immediately; the loop ends when ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running.Load() {
		return ErrAlreadyRunning
	}
	m.running.Store(true)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx, m.stopCh, m.doneCh)

	m.logger.Info("health monitor started", "interval", m.interval.String())
	return nil
}

// Stop halts the evaluation loop and waits for it to exit. Stopping an
// idle monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.runMu.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-doneCh
	m.logger.Info("health monitor stopped")
}

// Running reports whether the evaluation loop is up.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// SetInterval changes the evaluation cadence of a stopped monitor; it
// takes effect on the next Start. A running monitor keeps its cadence.
// The integrator uses this to switch to WrappedInterval once environment
// detection has settled.
func (m *Monitor) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running.Load() {
		return
	}
	m.interval = interval
}

// Interval returns the current evaluation cadence.
func (m *Monitor) Interval() time.Duration {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.interval
}

func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer func() {
		m.running.Store(false)
		close(doneCh)
	}()

	m.evaluate(ctx, "initial")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx, "periodic")
		}
	}
}

// CheckNow runs a full evaluation immediately and returns the resulting
// snapshot. Works whether or not the periodic loop is running.
func (m *Monitor) CheckNow(ctx context.Context) Status {
	return m.evaluate(ctx, "manual")
}

// Status returns the current snapshot without re-running checks.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

// Overall returns the current derived system condition.
func (m *Monitor) Overall() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// SetComponentState applies a point update and recomputes the overall
// state immediately.
func (m *Monitor) SetComponentState(component string, state State, reason string) {
	m.mu.Lock()
	prev, known := m.components[component]
	if !known {
		prev = StateNotApplicable
	}
	m.components[component] = state
	m.overall = ComputeOverall(m.components)
	m.lastCheck = m.now()
	overall := m.overall
	snapshot := m.componentsLocked()
	m.mu.Unlock()

	if prev != state {
		m.publishChange(component, prev, state, reason)
	}
	recordHealthMetrics(context.Background(), overall, snapshot)
}

type transition struct {
	component string
	from, to  State
}

// evaluate re-runs every check, applies the results, and reports changes.
func (m *Monitor) evaluate(ctx context.Context, trigger string) Status {
	ctx, span := startCheckSpan(ctx, trigger)
	defer span.End()

	results := make(map[string]State, len(m.checks))
	for component, check := range m.checks {
		results[component] = m.runCheck(ctx, component, check)
	}

	m.mu.Lock()
	var changes []transition
	for component, state := range results {
		prev, known := m.components[component]
		if !known {
			prev = StateNotApplicable
		}
		if prev != state {
			changes = append(changes, transition{component, prev, state})
		}
		m.components[component] = state
	}
	m.overall = ComputeOverall(m.components)
	m.lastCheck = m.now()
	status := m.statusLocked()
	m.mu.Unlock()

	for _, ch := range changes {
		m.publishChange(ch.component, ch.from, ch.to, "health check")
	}

	setCheckSpanResult(span, status.Overall, len(changes))
	recordHealthMetrics(ctx, status.Overall, status.Components)
	return status
}

// runCheck executes one check, converting a panic into a failed state.
func (m *Monitor) runCheck(ctx context.Context, component string, check CheckFunc) (state State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panicked",
				"component", component,
				"panic", r,
			)
			state = StateFailed
		}
	}()
	return check(ctx)
}

func (m *Monitor) publishChange(component string, from, to State, reason string) {
	m.logger.Info("component health changed",
		"component", component,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.TypeComponentHealthChanged, events.ComponentHealthChange{
		Component: component,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
	})
}

// statusLocked builds a snapshot; the caller holds at least a read lock.
func (m *Monitor) statusLocked() Status {
	return Status{
		Overall:    m.overall,
		Components: m.componentsLocked(),
		LastCheck:  m.lastCheck,
		Uptime:     time.Since(m.started),
	}
}

func (m *Monitor) componentsLocked() map[string]State {
	out := make(map[string]State, len(m.components))
	for k, v := range m.components {
		out[k] = v
	}
	return out
}
