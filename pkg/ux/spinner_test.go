// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewSpinner verifies construction defaults.
func TestNewSpinner(t *testing.T) {
	s := NewSpinner("gathering report")
	require.NotNil(t, s)
	assert.Equal(t, "gathering report", s.message)
	assert.Equal(t, SpinnerDots, s.spinType)
	assert.NotNil(t, s.stopCh)
	assert.NotNil(t, s.doneCh)
}

// TestSpinner_WithType verifies the fluent type setter.
func TestSpinner_WithType(t *testing.T) {
	s := NewSpinner("working").WithType(SpinnerGlow)
	assert.Equal(t, SpinnerGlow, s.spinType)

	s = NewSpinner("working").WithType(SpinnerOrbit)
	assert.Equal(t, SpinnerOrbit, s.spinType)
}

// TestSpinner_MachineMode verifies a single PROGRESS line and no animation.
func TestSpinner_MachineMode(t *testing.T) {
	setLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	s := NewSpinner("collecting sections").WithOutput(&buf)
	s.Start()
	s.Stop()
	assert.Equal(t, "PROGRESS: collecting sections\n", buf.String())
}

// TestSpinner_StartTwice verifies a second Start is a no-op.
func TestSpinner_StartTwice(t *testing.T) {
	setLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	s := NewSpinner("working").WithOutput(&buf)
	s.Start()
	s.Start()
	s.Stop()
	assert.Equal(t, "PROGRESS: working\n", buf.String())
}

// TestSpinner_StopWithoutStart verifies Stop on an idle spinner is safe.
func TestSpinner_StopWithoutStart(t *testing.T) {
	s := NewSpinner("idle")
	s.Stop()
}

// TestSpinner_StartStop_FullMode verifies the animation loop starts,
// renders frames, and shuts down cleanly.
func TestSpinner_StartStop_FullMode(t *testing.T) {
	setLevel(t, PersonalityFull)

	var buf syncBuffer
	s := NewSpinner("probing bridge").WithOutput(&buf)
	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	assert.Contains(t, buf.String(), "probing bridge")
}

// syncBuffer is a bytes.Buffer safe to share with the animation goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestSpinner_UpdateMessage verifies the message swap.
func TestSpinner_UpdateMessage(t *testing.T) {
	s := NewSpinner("first")
	s.UpdateMessage("second")
	assert.Equal(t, "second", s.message)
}

// TestWithSpinner_Success verifies the callback runs and nil flows through.
func TestWithSpinner_Success(t *testing.T) {
	setLevel(t, PersonalityMachine)

	called := false
	out := captureStdout(func() {
		err := WithSpinner("writing snapshot", func() error {
			called = true
			return nil
		})
		assert.NoError(t, err)
	})
	assert.True(t, called)
	assert.Contains(t, out, "PROGRESS: writing snapshot")
	assert.Contains(t, out, "OK: writing snapshot")
}

// TestWithSpinner_Error verifies the error is reported and returned.
func TestWithSpinner_Error(t *testing.T) {
	setLevel(t, PersonalityMachine)

	boom := errors.New("disk full")
	var got error
	errOut := captureStderr(func() {
		_ = captureStdout(func() {
			got = WithSpinner("writing snapshot", func() error { return boom })
		})
	})
	assert.ErrorIs(t, got, boom)
	assert.Contains(t, errOut, "disk full")
}

// TestProgressSpinner_Increment verifies the counter advances and the
// message carries a single progress suffix.
func TestProgressSpinner_Increment(t *testing.T) {
	setLevel(t, PersonalityFull)

	p := NewProgressSpinner("checking components", 3)
	assert.Equal(t, 0, p.current)
	assert.Equal(t, 3, p.total)

	p.Increment()
	p.Increment()
	assert.Equal(t, 2, p.current)
	assert.Equal(t, "checking components [2/3]", p.message)
}

// TestProgressSpinner_SetProgress verifies direct positioning.
func TestProgressSpinner_SetProgress(t *testing.T) {
	setLevel(t, PersonalityFull)

	p := NewProgressSpinner("checking components", 5)
	p.SetProgress(4)
	assert.Equal(t, 4, p.current)
	assert.Equal(t, "checking components [4/5]", p.message)
}

// TestSpinnerFrames verifies every spinner type has frames.
func TestSpinnerFrames(t *testing.T) {
	for _, st := range []SpinnerType{SpinnerDots, SpinnerGlow, SpinnerOrbit} {
		assert.NotEmpty(t, framesFor(st))
	}
}

// TestProgressSpinner_MachineMode verifies each counter change prints its
// own PROGRESS line instead of animating.
func TestProgressSpinner_MachineMode(t *testing.T) {
	setLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	p := NewProgressSpinner("checking components", 2)
	p.WithOutput(&buf)
	p.Increment()
	p.Increment()
	out := buf.String()
	assert.Contains(t, out, "checking components [1/2]")
	assert.Contains(t, out, "checking components [2/2]")
}
