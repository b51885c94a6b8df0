/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the most recent log entries in memory so the ops
// server can show them without shell access to the worker.
package logbuffer

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a fixed-size ring of entries, safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// New creates a buffer holding up to capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Buffer{entries: make([]Entry, capacity)}
}

// Add appends e, overwriting the oldest entry when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// snapshot returns the entries oldest first.
func (b *Buffer) snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Query filters captured entries.
type Query struct {
	Level     string // exact level
	Component string
	// AssignmentID matches the assignment_id field.
	AssignmentID string
	Search       string // case-insensitive, message and string fields
	Since        time.Time
	Limit        int
}

// Find returns matching entries, newest first.
func (b *Buffer) Find(q Query) []Entry {
	all := b.snapshot()
	search := strings.ToLower(q.Search)

	out := make([]Entry, 0, min(len(all), max(q.Limit, 0)))
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if q.AssignmentID != "" && fieldString(e.Fields["assignment_id"]) != q.AssignmentID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if search != "" && !e.matches(search) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Levels counts entries per level.
func (b *Buffer) Levels() map[string]int {
	counts := make(map[string]int)
	for _, e := range b.snapshot() {
		counts[e.Level]++
	}
	return counts
}

func (e Entry) matches(search string) bool {
	if strings.Contains(strings.ToLower(e.Message), search) || strings.Contains(strings.ToLower(e.Component), search) {
		return true
	}
	for _, v := range e.Fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), search) {
			return true
		}
	}
	return false
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Writer feeds zerolog JSON output into a Buffer.
type Writer struct {
	buffer   *Buffer
	fallback io.Writer
}

// NewWriter creates a writer capturing into buffer. fallback may be nil.
func NewWriter(buffer *Buffer, fallback io.Writer) *Writer {
	return &Writer{buffer: buffer, fallback: fallback}
}

// Write parses one JSON log line. Lines that are not JSON objects are
// passed to fallback only.
func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err == nil {
		e := Entry{Timestamp: time.Now(), Fields: make(map[string]any)}
		if lvl, ok := raw["level"].(string); ok {
			e.Level = lvl
			delete(raw, "level")
		}
		if msg, ok := raw["message"].(string); ok {
			e.Message = msg
			delete(raw, "message")
		}
		if comp, ok := raw["component"].(string); ok {
			e.Component = comp
			delete(raw, "component")
		}
		switch ts := raw["time"].(type) {
		case float64:
			e.Timestamp = time.Unix(int64(ts), 0)
		case string:
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				e.Timestamp = t
			}
		}
		delete(raw, "time")
		for k, v := range raw {
			e.Fields[k] = v
		}
		w.buffer.Add(e)
	}

	if w.fallback != nil {
		return w.fallback.Write(p)
	}
	return len(p), nil
}
