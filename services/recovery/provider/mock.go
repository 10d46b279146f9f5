// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"net/http"
	"sync"

	"github.com/fablewood/resilience/services/recovery/auth"
)

// MockProvider is a scriptable AuthProvider for tests.
//
// # Description
//
// Records calls and delegates to the corresponding Func field when set.
// Unset fields fall back to a signed-out provider: GetSession returns
// (nil, nil), RefreshSession returns a 401 APIError, SignOut succeeds.
//
// # Examples
//
//	mock := &MockProvider{
//	    GetSessionFunc: func(ctx context.Context) (*auth.Session, error) {
//	        return &auth.Session{UserID: "user-1"}, nil
//	    },
//	}
//
// # Thread Safety
//
// Safe for concurrent use.
type MockProvider struct {
	GetSessionFunc     func(ctx context.Context) (*auth.Session, error)
	RefreshSessionFunc func(ctx context.Context, refreshToken string) (*auth.Session, error)
	SignOutFunc        func(ctx context.Context) error

	GetSessionCalls     int
	RefreshSessionCalls []string
	SignOutCalls        int

	mu sync.Mutex
}

// GetSession implements AuthProvider for MockProvider.
func (m *MockProvider) GetSession(ctx context.Context) (*auth.Session, error) {
	m.mu.Lock()
	m.GetSessionCalls++
	m.mu.Unlock()

	if m.GetSessionFunc != nil {
		return m.GetSessionFunc(ctx)
	}
	return nil, nil
}

// RefreshSession implements AuthProvider for MockProvider.
func (m *MockProvider) RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error) {
	m.mu.Lock()
	m.RefreshSessionCalls = append(m.RefreshSessionCalls, refreshToken)
	m.mu.Unlock()

	if m.RefreshSessionFunc != nil {
		return m.RefreshSessionFunc(ctx, refreshToken)
	}
	return nil, &APIError{Status: http.StatusUnauthorized}
}

// SignOut implements AuthProvider for MockProvider.
func (m *MockProvider) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.SignOutCalls++
	m.mu.Unlock()

	if m.SignOutFunc != nil {
		return m.SignOutFunc(ctx)
	}
	return nil
}
