// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ring provides a bounded, oldest-evicted circular buffer.
//
// The recovery core keeps several rolling histories (log entries, classified
// auth errors, replayed events) that must never grow without bound. Buffer
// is the single implementation backing all of them: fixed capacity, oldest
// item silently evicted on overflow, eviction count tracked for diagnostics.
package ring

import (
	"sync"
	"sync/atomic"
)

// Buffer is a fixed-capacity circular buffer that evicts the oldest item
// when full.
//
// # Description
//
// Buffer holds the most recent N items pushed into it. Once capacity is
// reached, each Push evicts the oldest item and increments the eviction
// counter. There is no blocking and no backpressure; history consumers
// accept that old entries disappear.
//
// # Thread Safety
//
// Buffer is safe for concurrent use. All operations are mutex-guarded;
// Evicted reads its counter atomically.
type Buffer[T any] struct {
	items    []T
	head     int
	tail     int
	size     int
	capacity int
	evicted  int64
	mu       sync.Mutex
}

// New creates a Buffer holding at most capacity items.
//
// Panics if capacity <= 0; a zero-capacity history is a wiring bug, not a
// runtime condition.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest if the buffer is full.
// Returns true when an eviction happened.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := false
	if b.size == b.capacity {
		b.head = (b.head + 1) % b.capacity
		b.size--
		atomic.AddInt64(&b.evicted, 1)
		evicted = true
	}

	b.items[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.size++
	return evicted
}

// Snapshot returns a copy of all items, oldest first. Returns nil when empty.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	out := make([]T, b.size)
	idx := b.head
	for i := 0; i < b.size; i++ {
		out[i] = b.items[idx]
		idx = (idx + 1) % b.capacity
	}
	return out
}

// Last returns a copy of the newest n items, oldest first. Returns all items
// when n exceeds the current size, nil when empty or n <= 0.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || b.size == 0 {
		return nil
	}
	if n > b.size {
		n = b.size
	}
	out := make([]T, n)
	idx := (b.head + b.size - n) % b.capacity
	for i := 0; i < n; i++ {
		out[i] = b.items[idx]
		idx = (idx + 1) % b.capacity
	}
	return out
}

// Drain removes and returns all items, oldest first. Returns nil when empty.
// The eviction counter is left untouched; use Clear for a full reset.
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	out := make([]T, b.size)
	var zero T
	for i := 0; i < len(out); i++ {
		out[i] = b.items[b.head]
		b.items[b.head] = zero
		b.head = (b.head + 1) % b.capacity
	}
	b.size = 0
	return out
}

// Len returns the current number of items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Evicted returns how many items have been evicted since creation or the
// last Clear.
func (b *Buffer[T]) Evicted() int64 {
	return atomic.LoadInt64(&b.evicted)
}

// Clear removes all items and resets the eviction counter.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.tail = 0
	b.size = 0
	atomic.StoreInt64(&b.evicted, 0)
}
