// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SpinnerType selects the animation frame set.
type SpinnerType int

const (
	SpinnerDots SpinnerType = iota
	SpinnerGlow
	SpinnerOrbit
)

// frameInterval is the animation cadence. Slow enough not to flood a
// scrollback buffer when stdout is accidentally a pipe.
const frameInterval = 80 * time.Millisecond

func framesFor(t SpinnerType) []string {
	switch t {
	case SpinnerGlow:
		return []string{"·", "✧", "✦", "✧"}
	case SpinnerOrbit:
		return []string{"◐", "◓", "◑", "◒"}
	default:
		return []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	}
}

// Spinner animates a line of progress text while a slow operation runs.
// A spinner in machine personality prints its message once and animates
// nothing.
type Spinner struct {
	out      io.Writer
	spinType SpinnerType

	mu      sync.Mutex
	message string
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSpinner creates a spinner that writes to stdout.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		out:      os.Stdout,
		message:  message,
		spinType: SpinnerDots,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// WithType sets the animation frame set.
func (s *Spinner) WithType(t SpinnerType) *Spinner {
	s.spinType = t
	return s
}

// WithOutput redirects the animation, used by tests.
func (s *Spinner) WithOutput(w io.Writer) *Spinner {
	s.out = w
	return s
}

// Start begins animating. Starting a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	msg := s.message
	s.mu.Unlock()

	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(s.out, "PROGRESS: %s\n", msg)
		return
	}

	go s.animate()
}

func (s *Spinner) animate() {
	defer close(s.doneCh)

	frames := framesFor(s.spinType)
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.stopCh:
			// Erase the animation line before the caller prints a result.
			fmt.Fprint(s.out, "\r\033[K")
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()
			glyph := Styles.Highlight.Render(frames[i%len(frames)])
			fmt.Fprintf(s.out, "\r%s %s", glyph, msg)
		}
	}
}

// Stop halts the animation and clears the line. Stopping a stopped
// spinner is a no-op.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if GetPersonality().Level == PersonalityMachine {
		return
	}

	close(s.stopCh)
	<-s.doneCh
}

// UpdateMessage swaps the text without stopping the animation.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// StopWithSuccess stops and prints a success line in its place.
func (s *Spinner) StopWithSuccess(message string) {
	s.Stop()
	Success(message)
}

// StopWithError stops and prints an error line in its place.
func (s *Spinner) StopWithError(message string) {
	s.Stop()
	Error(message)
}

// StopWithWarning stops and prints a warning line in its place.
func (s *Spinner) StopWithWarning(message string) {
	s.Stop()
	Warning(message)
}

// WithSpinner animates message while fn runs, then replaces the line
// with a success or error result.
func WithSpinner(message string, fn func() error) error {
	spin := NewSpinner(message)
	spin.Start()

	if err := fn(); err != nil {
		spin.StopWithError(fmt.Sprintf("%s: %v", message, err))
		return err
	}
	spin.StopWithSuccess(message)
	return nil
}

// ProgressSpinner is a Spinner whose message carries a step counter,
// for multi-stage operations like report collection.
type ProgressSpinner struct {
	*Spinner
	label   string
	total   int
	current int
}

// NewProgressSpinner creates a spinner labelled "message [0/total]".
func NewProgressSpinner(message string, total int) *ProgressSpinner {
	return &ProgressSpinner{
		Spinner: NewSpinner(fmt.Sprintf("%s [0/%d]", message, total)),
		label:   message,
		total:   total,
	}
}

// Increment advances the counter by one step.
func (p *ProgressSpinner) Increment() {
	p.mu.Lock()
	p.current++
	cur := p.current
	p.mu.Unlock()
	p.setCounter(cur)
}

// SetProgress jumps the counter to an absolute position.
func (p *ProgressSpinner) SetProgress(current int) {
	p.mu.Lock()
	p.current = current
	p.mu.Unlock()
	p.setCounter(current)
}

func (p *ProgressSpinner) setCounter(current int) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(p.out, "PROGRESS: %s [%d/%d]\n", p.label, current, p.total)
		return
	}
	p.UpdateMessage(fmt.Sprintf("%s [%d/%d]", p.label, current, p.total))
}
