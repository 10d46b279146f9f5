// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fablewood/resilience/pkg/ring"
)

// DefaultReplaySize is the replay buffer capacity when none is configured.
const DefaultReplaySize = 256

// Publisher is the side of the bus components publish to. Accepting this
// interface instead of *Bus keeps components testable with MockBus.
type Publisher interface {
	Publish(eventType Type, data any)
}

// Handler is a function that processes events.
type Handler func(event *Event)

// Subscription represents a registered handler.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Bus broadcasts recovery events to subscribers.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	replay        *ring.Buffer[Event]
	closed        bool
	logger        *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithReplaySize sets the replay buffer capacity.
func WithReplaySize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.replay = ring.New[Event](size)
		}
	}
}

// WithLogger sets the logger used for handler panic reports.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBus creates a bus with an empty subscription table.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subscriptions: make(map[string]*Subscription),
		replay:        ring.New[Event](DefaultReplaySize),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (b *Bus) Subscribe(handler Handler, types ...Type) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Types:   types,
	}
	b.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscriptions[id]; ok {
		delete(b.subscriptions, id)
		return true
	}
	return false
}

// Publish broadcasts an event to all matching subscribers and records it in
// the replay buffer. Handler panics are recovered so one misbehaving
// subscriber cannot take down delivery to the rest. Publishing on a closed
// bus is a no-op.
func (b *Bus) Publish(eventType Type, data any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.replay.Push(event)

	for _, sub := range subs {
		if matches(sub, &event) {
			b.safeInvoke(sub.Handler, &event)
		}
	}
}

// safeInvoke calls a handler with panic recovery.
func (b *Bus) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// matches reports whether a subscription wants an event.
func matches(sub *Subscription, event *Event) bool {
	if len(sub.Types) == 0 {
		return true
	}
	for _, t := range sub.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Replay returns a copy of the buffered events, oldest first.
func (b *Bus) Replay() []Event {
	return b.replay.Snapshot()
}

// ReplaySince returns buffered events published after the given time.
func (b *Bus) ReplaySince(since time.Time) []Event {
	var out []Event
	for _, event := range b.replay.Snapshot() {
		if event.Timestamp.After(since) {
			out = append(out, event)
		}
	}
	return out
}

// ReplayByType returns buffered events of a specific type.
func (b *Bus) ReplayByType(eventType Type) []Event {
	var out []Event
	for _, event := range b.replay.Snapshot() {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close stops delivery and drops all subscriptions. The replay buffer stays
// readable so diagnostics can still export recent traffic.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string]*Subscription)
}

// MockBus records published events for tests.
type MockBus struct {
	mu     sync.RWMutex
	Events []Event
}

// NewMockBus creates an empty mock bus.
func NewMockBus() *MockBus {
	return &MockBus{Events: make([]Event, 0)}
}

// Publish records an event.
func (m *MockBus) Publish(eventType Type, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// EventCount returns the number of recorded events.
func (m *MockBus) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Events)
}

// EventsByType returns recorded events of a specific type.
func (m *MockBus) EventsByType(eventType Type) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.Events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all recorded events.
func (m *MockBus) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = make([]Event, 0)
}
