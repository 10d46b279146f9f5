// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package startup

import (
	"context"
	"sync"
)

// MockDelegate is a configurable Delegate for tests. Methods can be
// scripted via function fields; calls are recorded.
type MockDelegate struct {
	InitializeFunc   func(ctx context.Context) (*Result, error)
	HealthStatusFunc func(ctx context.Context) (string, error)

	InitializeCalls   int
	HealthStatusCalls int
	mu                sync.Mutex
}

// Initialize calls InitializeFunc, or reports full success by default.
func (m *MockDelegate) Initialize(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	m.InitializeCalls++
	m.mu.Unlock()

	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx)
	}
	return &Result{Success: true, Mode: ModeFull}, nil
}

// HealthStatus calls HealthStatusFunc, or reports healthy by default.
func (m *MockDelegate) HealthStatus(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.HealthStatusCalls++
	m.mu.Unlock()

	if m.HealthStatusFunc != nil {
		return m.HealthStatusFunc(ctx)
	}
	return "healthy", nil
}
