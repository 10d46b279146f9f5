// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig())

	if cb.State() != StateClosed {
		t.Errorf("expected initial state closed, got %v", cb.State())
	}

	if !cb.Allow() {
		t.Error("expected Allow() to return true in closed state")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
	cb := NewCircuitBreaker(config)

	for i := 0; i < 3; i++ {
		if cb.State() != StateClosed {
			t.Fatalf("expected closed state before threshold, got %v at iteration %d", cb.State(), i)
		}
		cb.RecordFailure()
	}

	if cb.State() != StateOpen {
		t.Errorf("expected open state after threshold, got %v", cb.State())
	}

	if cb.Allow() {
		t.Error("expected Allow() to return false in open state")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
	cb := NewCircuitBreaker(config)

	cb.RecordFailure()
	cb.RecordFailure()

	cb.RecordSuccess()

	// Two more failures should not open it; the counter was reset.
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != StateClosed {
		t.Errorf("expected closed state (counter should have reset), got %v", cb.State())
	}
}

func TestCircuitBreaker_TransitionsToHalfOpen(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
	cb := NewCircuitBreaker(config)

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Error("expected Allow() to return true after timeout")
	}

	if cb.State() != StateHalfOpen {
		t.Errorf("expected half-open state, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenClosesOnSuccess(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    2,
	}
	cb := NewCircuitBreaker(config)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected first probe to be allowed")
	}
	cb.RecordSuccess()

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %v", cb.State())
	}

	if !cb.Allow() {
		t.Fatal("expected second probe to be allowed")
	}
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("expected closed state after success threshold, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	}
	cb := NewCircuitBreaker(config)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected probe to be allowed")
	}
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("expected open state after half-open failure, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow() to return false after reopening")
	}
}

func TestCircuitBreaker_HalfOpenCapsProbes(t *testing.T) {
	config := BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        10 * time.Millisecond,
		HalfOpenMaxRequests: 2,
		SuccessThreshold:    5,
	}
	cb := NewCircuitBreaker(config)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("expected first probe to be allowed")
	}
	if !cb.Allow() {
		t.Fatal("expected second probe to be allowed")
	}
	if cb.Allow() {
		t.Error("expected third probe to be rejected")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	})

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	cb.Reset()

	if cb.State() != StateClosed {
		t.Errorf("expected closed state after reset, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Allow() to return true after reset")
	}

	stats := cb.Stats()
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", stats.ConsecutiveFailures)
	}
	if !stats.LastFailureTime.IsZero() {
		t.Errorf("LastFailureTime = %v, want zero", stats.LastFailureTime)
	}
}

func TestCircuitBreaker_DefaultsForZeroConfig(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	def := DefaultBreakerConfig()

	for i := 0; i < def.FailureThreshold-1; i++ {
		cb.RecordFailure()
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed state below default threshold, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("expected open state at default threshold, got %v", cb.State())
	}
}

func TestCircuitBreaker_StateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultBreakerConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cb.Allow()
				if (n+j)%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
				cb.State()
				cb.Stats()
			}
		}(i)
	}
	wg.Wait()

	// Only checking for races; the end state depends on interleaving.
	if s := cb.State(); s != StateClosed && s != StateOpen && s != StateHalfOpen {
		t.Errorf("unexpected state %v", s)
	}
}
