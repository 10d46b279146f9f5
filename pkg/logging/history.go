// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"time"

	"github.com/fablewood/resilience/pkg/ring"
)

// DefaultHistoryCapacity bounds the in-memory history when the config does
// not override it. At roughly 200 bytes per entry this keeps the history
// near 200 KB.
const DefaultHistoryCapacity = 1000

// Entry is one recorded log event. Unlike the live slog output, history
// entries keep their attributes structured so filters and the diagnostic
// collector can inspect them without re-parsing.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category,omitempty"`
	Message  string         `json:"message"`
	Service  string         `json:"service,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Stack    string         `json:"stack,omitempty"`
}

// MarshalJSON renders the level as its string form.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		alias
		Level string `json:"level"`
	}{alias: alias(e), Level: e.Level.String()})
}

// Filter narrows an Entries query. Zero-value fields match everything.
type Filter struct {
	// Category keeps only entries with this exact category.
	Category Category

	// MinLevel keeps entries at or above this level.
	MinLevel Level

	// Since keeps entries recorded at or after this time.
	Since time.Time

	// Limit caps the result to the most recent N matches. Zero means all.
	Limit int
}

// History is a bounded, oldest-evicted record of log entries. It is the
// backing store for the debug surface's log endpoints and the diagnostic
// collector's recent-activity section.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type History struct {
	buf *ring.Buffer[Entry]
}

// NewHistory creates a History holding at most capacity entries. A capacity
// of zero or less falls back to DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{buf: ring.New[Entry](capacity)}
}

// Append records one entry, evicting the oldest when full.
func (h *History) Append(e Entry) {
	h.buf.Push(e)
}

// Entries returns entries matching the filter, oldest first.
func (h *History) Entries(f Filter) []Entry {
	all := h.buf.Snapshot()
	matched := make([]Entry, 0, len(all))
	for _, e := range all {
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if e.Level < f.MinLevel {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		matched = append(matched, e)
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// ExportJSON serializes the full history, oldest first, for bug reports and
// the diagnostic bundle.
func (h *History) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(h.buf.Snapshot(), "", "  ")
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	return h.buf.Len()
}

// Evicted reports how many entries were dropped to stay within capacity.
func (h *History) Evicted() int64 {
	return h.buf.Evicted()
}

// Clear discards all retained entries. The eviction counter is reset too.
func (h *History) Clear() {
	h.buf.Clear()
}
