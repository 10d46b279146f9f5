// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package connectivity

import (
	"context"
	"sync"
)

// StaticChecker is a Checker whose state is set directly. Tests use it to
// script connectivity: start offline, flip online mid-scenario, and assert
// the watchers saw the transition.
type StaticChecker struct {
	mu       sync.Mutex
	online   bool
	watchers []chan bool
}

// NewStaticChecker creates a checker reporting the given state.
func NewStaticChecker(online bool) *StaticChecker {
	return &StaticChecker{online: online}
}

// Online returns the scripted state.
func (s *StaticChecker) Online(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline updates the state and notifies watchers of changes.
func (s *StaticChecker) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online

	for _, w := range s.watchers {
		select {
		case w <- online:
		default:
		}
	}
}

// Watch returns a channel fed by SetOnline transitions. The channel closes
// when ctx ends.
func (s *StaticChecker) Watch(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	s.mu.Lock()
	s.watchers = append(s.watchers, out)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		for i, w := range s.watchers {
			if w == out {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(out)
	}()

	return out
}
