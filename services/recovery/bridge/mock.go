// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"context"
	"sync"
)

// MockClient is a configurable Client for tests. All methods can be
// scripted via function fields; calls are recorded.
//
// # Examples
//
//	mock := &MockClient{
//	    PlatformFunc: func(ctx context.Context) (*PlatformInfo, error) {
//	        return &PlatformInfo{Platform: "android", Native: true}, nil
//	    },
//	}
type MockClient struct {
	PlatformFunc  func(ctx context.Context) (*PlatformInfo, error)
	PluginsFunc   func(ctx context.Context) ([]string, error)
	AvailableFunc func(ctx context.Context) bool

	PlatformCalls  int
	PluginsCalls   int
	AvailableCalls int
	mu             sync.Mutex
}

// Platform calls PlatformFunc, or reports an absent bridge by default.
func (m *MockClient) Platform(ctx context.Context) (*PlatformInfo, error) {
	m.mu.Lock()
	m.PlatformCalls++
	m.mu.Unlock()

	if m.PlatformFunc != nil {
		return m.PlatformFunc(ctx)
	}
	return nil, ErrUnavailable
}

// Plugins calls PluginsFunc, or reports an absent bridge by default.
func (m *MockClient) Plugins(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	m.PluginsCalls++
	m.mu.Unlock()

	if m.PluginsFunc != nil {
		return m.PluginsFunc(ctx)
	}
	return nil, ErrUnavailable
}

// Available calls AvailableFunc, or reports false by default.
func (m *MockClient) Available(ctx context.Context) bool {
	m.mu.Lock()
	m.AvailableCalls++
	m.mu.Unlock()

	if m.AvailableFunc != nil {
		return m.AvailableFunc(ctx)
	}
	return false
}
