// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "default config is valid",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "zero max attempts is invalid",
			config:  Config{MaxAttempts: 0, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 2.0},
			wantErr: true,
		},
		{
			name:    "negative initial backoff is invalid",
			config:  Config{MaxAttempts: 3, InitialBackoff: -time.Second, MaxBackoff: time.Second, BackoffFactor: 2.0},
			wantErr: true,
		},
		{
			name:    "max backoff less than initial is invalid",
			config:  Config{MaxAttempts: 3, InitialBackoff: 10 * time.Second, MaxBackoff: time.Second, BackoffFactor: 2.0},
			wantErr: true,
		},
		{
			name:    "backoff factor less than 1 is invalid",
			config:  Config{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffFactor: 0.5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_BackoffSequence(t *testing.T) {
	config := DefaultConfig()

	// base 1s, factor 2, cap 10s
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}

	for i, expected := range want {
		attempt := i + 1
		if got := config.Backoff(attempt); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestConfig_BackoffClampsAttempt(t *testing.T) {
	config := DefaultConfig()

	if got := config.Backoff(0); got != config.InitialBackoff {
		t.Errorf("Backoff(0) = %v, want %v", got, config.InitialBackoff)
	}
	if got := config.Backoff(-3); got != config.InitialBackoff {
		t.Errorf("Backoff(-3) = %v, want %v", got, config.InitialBackoff)
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}

	var attempts int32
	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("function called %d times, want 1", attempts)
	}
}

func TestRetry_SuccessOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}

	var attempts int32
	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		count := atomic.AddInt32(&attempts, 1)
		if count == 1 {
			return errors.New("transient failure")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}

	var attempts int32
	failure := errors.New("session endpoint unreachable")

	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return failure
	})

	if !errors.Is(err, failure) {
		t.Fatalf("expected %v, got %v", failure, err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("function called %d times, want 3", attempts)
	}
}

func TestRetry_NoBackoffAfterFinalAttempt(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    1,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
	}

	start := time.Now()
	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		return errors.New("still down")
	})
	duration := time.Since(start)

	if err == nil {
		t.Fatal("expected an error")
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	// The budget is spent after the only attempt; a trailing backoff
	// would hold the caller for the full minute.
	if duration > time.Second {
		t.Errorf("Duration = %v, want immediate return after the final attempt", duration)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	ctx := context.Background()
	permanent := errors.New("invalid credentials")
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
		Retryable:      func(err error) bool { return !errors.Is(err, permanent) },
	}

	var attempts int32
	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("expected %v, got %v", permanent, err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (no retry for non-retryable)", result.Attempts)
	}
}

func TestRetry_NilRetryableRetriesEverything(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}

	var attempts int32
	_, _ = Retry(ctx, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("anything")
	})

	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("function called %d times, want 2", attempts)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Config{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2.0,
	}

	var attempts int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("keep trying")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Attempts > 3 {
		t.Errorf("too many attempts: %d", result.Attempts)
	}
}

func TestRetry_ExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    4,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFactor:   0, // No jitter for predictable timing
	}

	start := time.Now()
	result, _ := Retry(ctx, config, func(ctx context.Context, attempt int) error {
		return errors.New("still down")
	})
	duration := time.Since(start)

	// Expected: 10ms + 20ms + 40ms = 70ms (3 waits between 4 attempts)
	// Allow some tolerance
	expectedMin := 60 * time.Millisecond
	expectedMax := 200 * time.Millisecond

	if duration < expectedMin || duration > expectedMax {
		t.Errorf("Duration = %v, expected between %v and %v", duration, expectedMin, expectedMax)
	}

	if result.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", result.Attempts)
	}
}

func TestRetryWithCircuitBreaker_CircuitOpen(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	})

	// Trip the circuit
	cb.RecordFailure()

	var attempts int32
	result, err := RetryWithCircuitBreaker(ctx, cb, config, func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 0 {
		t.Errorf("function should not be called when circuit is open")
	}
	if result.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", result.Attempts)
	}
}

func TestRetryWithCircuitBreaker_RecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold:    3,
		ResetTimeout:        time.Hour,
		HalfOpenMaxRequests: 1,
		SuccessThreshold:    1,
	})

	_, err := RetryWithCircuitBreaker(ctx, cb, config, func(ctx context.Context, attempt int) error {
		return errors.New("refused")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open after three recorded failures", cb.State())
	}
}

func TestRetryWithCircuitBreaker_SuccessClosesLoop(t *testing.T) {
	ctx := context.Background()
	config := Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  2.0,
	}
	cb := NewCircuitBreaker(DefaultBreakerConfig())

	var attempts int32
	result, err := RetryWithCircuitBreaker(ctx, cb, config, func(ctx context.Context, attempt int) error {
		count := atomic.AddInt32(&attempts, 1)
		if count < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}
