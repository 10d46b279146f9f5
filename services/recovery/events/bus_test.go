// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBus_PublishDeliversToSubscriber verifies basic publish/subscribe flow.
func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus()

	var got []*Event
	bus.Subscribe(func(event *Event) {
		got = append(got, event)
	})

	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "render loop dead"})

	require.Len(t, got, 1)
	assert.Equal(t, TypeEmergencyMode, got[0].Type)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())

	payload, ok := got[0].Data.(EmergencyMode)
	require.True(t, ok)
	assert.Equal(t, "render loop dead", payload.Reason)
}

// TestBus_TypeFilter verifies typed subscriptions only see matching events.
func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus()

	var healthEvents, allEvents int32
	bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&healthEvents, 1)
	}, TypeComponentHealthChanged)
	bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&allEvents, 1)
	})

	bus.Publish(TypeComponentHealthChanged, ComponentHealthChange{Component: "startup", From: "healthy", To: "degraded"})
	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "x"})
	bus.Publish(TypeComponentHealthChanged, ComponentHealthChange{Component: "recovery", From: "degraded", To: "healthy"})

	assert.Equal(t, int32(2), atomic.LoadInt32(&healthEvents))
	assert.Equal(t, int32(3), atomic.LoadInt32(&allEvents))
}

// TestBus_Unsubscribe verifies removed handlers stop receiving events.
func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var count int32
	id := bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(TypeEmergencyMode, nil)
	require.True(t, bus.Unsubscribe(id))
	bus.Publish(TypeEmergencyMode, nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.False(t, bus.Unsubscribe(id), "second unsubscribe should report not found")
	assert.Equal(t, 0, bus.SubscriptionCount())
}

// TestBus_HandlerPanicDoesNotStopDelivery verifies panic isolation between
// subscribers.
func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()

	var delivered int32
	bus.Subscribe(func(event *Event) {
		panic("subscriber bug")
	})
	bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&delivered, 1)
	})

	require.NotPanics(t, func() {
		bus.Publish(TypeStartupErrorEscalated, StartupErrorEscalation{FailureType: "NETWORK_ERROR", Occurrences: 3})
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

// TestBus_Replay verifies the replay buffer keeps recent events oldest first.
func TestBus_Replay(t *testing.T) {
	bus := NewBus(WithReplaySize(3))

	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "a"})
	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "b"})
	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "c"})
	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "d"})

	replay := bus.Replay()
	require.Len(t, replay, 3)
	assert.Equal(t, "b", replay[0].Data.(EmergencyMode).Reason)
	assert.Equal(t, "d", replay[2].Data.(EmergencyMode).Reason)
}

// TestBus_ReplaySince verifies time-based replay filtering.
func TestBus_ReplaySince(t *testing.T) {
	bus := NewBus()

	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "old"})
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	bus.Publish(TypeEmergencyMode, EmergencyMode{Reason: "new"})

	since := bus.ReplaySince(cut)
	require.Len(t, since, 1)
	assert.Equal(t, "new", since[0].Data.(EmergencyMode).Reason)
}

// TestBus_ReplayByType verifies type-based replay filtering.
func TestBus_ReplayByType(t *testing.T) {
	bus := NewBus()

	bus.Publish(TypeEmergencyMode, nil)
	bus.Publish(TypeComponentHealthChanged, nil)
	bus.Publish(TypeEmergencyMode, nil)

	assert.Len(t, bus.ReplayByType(TypeEmergencyMode), 2)
	assert.Len(t, bus.ReplayByType(TypeComponentHealthChanged), 1)
	assert.Empty(t, bus.ReplayByType(TypeHealthRecoveryTriggered))
}

// TestBus_Close verifies a closed bus drops publishes but keeps its replay.
func TestBus_Close(t *testing.T) {
	bus := NewBus()

	var count int32
	bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&count, 1)
	})

	bus.Publish(TypeEmergencyMode, nil)
	bus.Close()
	bus.Publish(TypeEmergencyMode, nil)

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
	assert.Len(t, bus.Replay(), 1)
	assert.Equal(t, 0, bus.SubscriptionCount())
}

// TestBus_ConcurrentPublishSubscribe exercises the bus under contention.
func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()

	var delivered int32
	bus.Subscribe(func(event *Event) {
		atomic.AddInt32(&delivered, 1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TypeComponentHealthChanged, nil)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := bus.Subscribe(func(event *Event) {})
			bus.Unsubscribe(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(400), atomic.LoadInt32(&delivered))
}

// TestMockBus verifies the test double records and filters events.
func TestMockBus(t *testing.T) {
	mock := NewMockBus()

	var _ Publisher = mock // MockBus must satisfy Publisher

	mock.Publish(TypeEmergencyMode, EmergencyMode{Reason: "x"})
	mock.Publish(TypeComponentHealthChanged, nil)

	assert.Equal(t, 2, mock.EventCount())
	assert.Len(t, mock.EventsByType(TypeEmergencyMode), 1)

	mock.Clear()
	assert.Equal(t, 0, mock.EventCount())
}
