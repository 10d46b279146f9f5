// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnostics

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/fablewood/resilience/pkg/logging"
)

// captureTimeout bounds report generation inside a panic capture; the
// panicking goroutine's own context may already be dead.
const captureTimeout = 10 * time.Second

// PanicHandler is the black-box recorder. A deferred Wrap closure
// captures a panic, persists an emergency report carrying the panic value
// and stack, and lets the goroutine continue instead of crashing the app.
//
// # Examples
//
//	defer handler.Wrap("container-init")()
type PanicHandler struct {
	collector *Collector
	storage   *Storage
	logger    *logging.Logger

	// OnPanic, when set, runs after the capture completes. The system
	// integrator hooks emergency recovery here.
	OnPanic func(component string, value any)
}

// NewPanicHandler builds a handler. Collector and storage may be nil; the
// capture then only logs.
func NewPanicHandler(collector *Collector, storage *Storage, logger *logging.Logger) *PanicHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &PanicHandler{
		collector: collector,
		storage:   storage,
		logger:    logger.For(logging.CategoryDiagnostics),
	}
}

// Wrap returns a closure for deferred use at goroutine boundaries. A
// panic inside the wrapped scope is recovered, recorded, and swallowed.
func (h *PanicHandler) Wrap(component string) func() {
	return func() {
		r := recover()
		if r == nil {
			return
		}
		h.capture(component, r, debug.Stack())
	}
}

func (h *PanicHandler) capture(component string, value any, stack []byte) {
	// The recorder must never replace the panic it is recording.
	defer func() {
		if r := recover(); r != nil {
			h.logger.Critical("panic capture itself panicked",
				"component", component,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	h.logger.Critical("panic captured",
		"component", component,
		"panic", fmt.Sprint(value),
	)

	ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
	defer cancel()

	recordPanicCaptured(ctx, component)

	if h.collector == nil {
		return
	}

	report := h.collector.generate(ctx, "panic")
	report.Panic = &PanicInfo{
		Component: component,
		Value:     fmt.Sprint(value),
		Stack:     string(stack),
	}

	if h.storage != nil {
		if _, err := h.storage.Save(report); err != nil {
			h.logger.Warn("panic report not persisted", "error", err.Error())
		}
	}

	if h.OnPanic != nil {
		h.OnPanic(component, value)
	}
}
